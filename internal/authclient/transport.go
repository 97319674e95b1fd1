package authclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// InterceptorOptions configures the HTTP transport and the gRPC interceptors.
type InterceptorOptions struct {
	Cache       *CredentialCache
	Store       CredentialStore
	Coordinator *RefreshCoordinator
	Logger      *zap.Logger

	// ExpirySkew triggers a refresh before sending when the access credential
	// expires within this window. Zero disables proactive refresh.
	ExpirySkew time.Duration

	// ExemptPaths never trigger a refresh (matched as path suffixes for HTTP,
	// full method suffixes for gRPC).
	ExemptPaths []string
}

// authorizer is the part of the interceptor pipeline shared by HTTP and gRPC.
type authorizer struct {
	cache       *CredentialCache
	store       CredentialStore
	coordinator *RefreshCoordinator
	logger      *zap.Logger
	skew        time.Duration
	exempt      []string
	now         func() time.Time
}

func newAuthorizer(opts InterceptorOptions) (*authorizer, error) {
	if opts.Cache == nil {
		return nil, errors.New("credential cache is required")
	}
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("refresh coordinator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &authorizer{
		cache:       opts.Cache,
		store:       opts.Store,
		coordinator: opts.Coordinator,
		logger:      opts.Logger,
		skew:        opts.ExpirySkew,
		exempt:      append([]string(nil), opts.ExemptPaths...),
		now:         time.Now,
	}, nil
}

func (a *authorizer) isExempt(path string) bool {
	for _, p := range a.exempt {
		if p != "" && strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// credential returns the credential to attach, refreshing first when it is
// about to expire and a refresh credential is available. A nil credential
// with a nil error means the request goes out unauthenticated.
func (a *authorizer) credential(ctx context.Context, exempt bool) (*AccessCredential, error) {
	cred := a.cache.Get()
	if cred == nil || exempt || a.skew <= 0 || !cred.ExpiresWithin(a.now(), a.skew) {
		return cred, nil
	}
	if !a.canRefresh(ctx) {
		return cred, nil
	}

	a.logger.Debug("access credential near expiry, refreshing before send",
		zap.Time("expires_at", cred.Claims.ExpiresAt),
	)
	return a.coordinator.Acquire(ctx, cred)
}

// canRefresh reports whether a refresh credential is stored.
func (a *authorizer) canRefresh(ctx context.Context) bool {
	_, err := a.store.Get(ctx, KeyRefreshToken)
	return err == nil
}

// shouldRenew decides whether an authorization failure on a request that
// carried cred is worth a refresh. A request sent without a credential
// qualifies only when a stored refresh credential can recover the session.
func (a *authorizer) shouldRenew(ctx context.Context, cred *AccessCredential) bool {
	return cred != nil || a.canRefresh(ctx)
}

// renew is called after an authorization failure on a request that carried
// stale. A request that carried nothing takes whatever the cache now holds
// before asking for a refresh.
func (a *authorizer) renew(ctx context.Context, stale *AccessCredential) (*AccessCredential, error) {
	if stale == nil {
		if cur := a.cache.Get(); cur != nil {
			return cur, nil
		}
	}
	return a.coordinator.Acquire(ctx, stale)
}

// Transport is an http.RoundTripper that attaches the bearer credential and
// replays a request once after a 401 triggers a refresh.
type Transport struct {
	base http.RoundTripper
	auth *authorizer
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts InterceptorOptions) (*Transport, error) {
	auth, err := newAuthorizer(opts)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, auth: auth}, nil
}

// attempt is one send of a request. retries never goes above one.
type attempt struct {
	req     *http.Request
	retries int
}

func (a attempt) retry() attempt {
	return attempt{req: a.req, retries: a.retries + 1}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Callers that set their own credential are not ours to manage.
	if req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	exempt := t.auth.isExempt(req.URL.Path)
	ctx := req.Context()

	cred, err := t.auth.credential(ctx, exempt)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	if exempt {
		return t.send(attempt{req: req}, cred)
	}

	prepared, err := replayable(req)
	if err != nil {
		return nil, err
	}
	a := attempt{req: prepared}

	resp, err := t.send(a, cred)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !t.auth.shouldRenew(ctx, cred) {
		return resp, err
	}

	drainBody(resp)
	t.auth.logger.Debug("request unauthorized, awaiting refresh",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)

	fresh, err := t.auth.renew(ctx, cred)
	if err != nil {
		return nil, err
	}
	return t.send(a.retry(), fresh)
}

func (t *Transport) send(a attempt, cred *AccessCredential) (*http.Response, error) {
	r := a.req.Clone(a.req.Context())
	if a.retries > 0 && a.req.GetBody != nil {
		body, err := a.req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	if cred != nil {
		r.Header.Set("Authorization", cred.AuthorizationHeader())
	}
	return t.base.RoundTrip(r)
}

// replayable returns a request whose body can be sent twice. Bodies without
// GetBody are read into memory and the original is closed.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}

	r := req.Clone(req.Context())
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.ContentLength = int64(len(data))
	return r, nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
