package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
)

const (
	defaultRefreshPath        = "/auth/refreshToken"
	defaultMaxRefreshAttempts = 3
	defaultRefreshBackoff     = 200 * time.Millisecond
	maxRefreshBackoff         = 5 * time.Second
	maxResponseSize           = 1 << 20 // 1MB limit for auth responses
)

// RefreshExecutor exchanges a refresh credential for a new token pair. The
// returned pair's Refresh is empty when the backend does not rotate.
type RefreshExecutor interface {
	Exchange(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// RefreshExecutorFunc adapts a function to RefreshExecutor.
type RefreshExecutorFunc func(ctx context.Context, refreshToken string) (*TokenPair, error)

func (f RefreshExecutorFunc) Exchange(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher performs the refresh exchange against the backend.
type HTTPRefresher struct {
	endpoint string
	client   *retry.Client
}

// HTTPRefresherOptions configures the HTTP refresher
type HTTPRefresherOptions struct {
	BaseURL     string
	Path        string
	HTTPClient  *http.Client
	MaxAttempts int
	Backoff     time.Duration
	Logger      *zap.Logger
}

// NewHTTPRefresher creates a new refresher. HTTPClient must not be the
// authenticated client.
func NewHTTPRefresher(opts HTTPRefresherOptions) (*HTTPRefresher, error) {
	if opts.Path == "" {
		opts.Path = defaultRefreshPath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxRefreshAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultRefreshBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	httpClient := *opts.HTTPClient
	httpClient.Transport = rewindBody{base: httpClient.Transport}

	client, err := retry.NewClient(
		retry.WithHTTPClient(&httpClient),
		retry.WithMaxRetries(opts.MaxAttempts-1),
		retry.WithInitialRetryDelay(opts.Backoff),
		retry.WithMaxRetryDelay(maxRefreshBackoff),
		retry.WithRetryDelayMultiple(2),
		retry.WithRetryableChecker(retryableRefresh),
		retry.WithLogger(retryLogger{opts.Logger.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("init refresh retry client: %w", err)
	}

	return &HTTPRefresher{
		endpoint: strings.TrimSuffix(opts.BaseURL, "/") + opts.Path,
		client:   client,
	}, nil
}

// retryableRefresh retries network failures, 5xx and 429. A cancelled or
// expired context is final.
func retryableRefresh(err error, resp *http.Response) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return retry.DefaultRetryableChecker(nil, resp)
}

// rewindBody hands every attempt a fresh copy of the request body. The retry
// client clones the request per attempt, which shares the consumed body.
type rewindBody struct {
	base http.RoundTripper
}

func (t rewindBody) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.GetBody == nil {
		return base.RoundTrip(req)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind refresh body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return base.RoundTrip(r)
}

// retryLogger routes the retry client's key-value logs to zap.
type retryLogger struct {
	l *zap.SugaredLogger
}

func (r retryLogger) Debug(msg string, args ...any) { r.l.Debugw(msg, args...) }
func (r retryLogger) Info(msg string, args ...any)  { r.l.Debugw(msg, args...) }
func (r retryLogger) Warn(msg string, args ...any)  { r.l.Warnw(msg, args...) }
func (r retryLogger) Error(msg string, args ...any) { r.l.Warnw(msg, args...) }

// Exchange posts the refresh credential and retries transient failures.
// Rejections (400/401/403) are returned immediately wrapped in ErrRefreshRejected.
func (r *HTTPRefresher) Exchange(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshCredential
	}

	body, err := json.Marshal(map[string]string{
		"refreshToken": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.DoWithContext(ctx, req)
	var respBody []byte
	var readErr error
	if resp != nil {
		defer resp.Body.Close()
		respBody, readErr = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var retryErr *retry.RetryError
	switch {
	case errors.As(err, &retryErr):
		cause := retryErr.LastErr
		if cause == nil && resp != nil {
			cause = statusError(resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRefreshExhausted, retryErr.Attempts, cause)
	case err != nil:
		return nil, fmt.Errorf("refresh request: %w", err)
	case readErr != nil:
		return nil, fmt.Errorf("read refresh response: %w", readErr)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, statusError(resp.StatusCode, respBody))
	default:
		return nil, statusError(resp.StatusCode, respBody)
	}

	pair, err := decodeTokenPair(respBody)
	if err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.Refresh == "" {
		pair.Refresh = refreshToken
	}
	return pair, nil
}

// tokenPayload matches both the enveloped ({"result": {...}}) and the flat
// response shapes the backend has used.
type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type tokenEnvelope struct {
	tokenPayload
	Result  *tokenPayload `json:"result"`
	Message string        `json:"message"`
}

func decodeTokenPair(data []byte) (*TokenPair, error) {
	var env tokenEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	payload := env.tokenPayload
	if env.Result != nil && env.Result.AccessToken != "" {
		payload = *env.Result
	}
	if payload.AccessToken == "" {
		return nil, errors.New("response missing access_token")
	}

	access, err := NewAccessCredential(payload.AccessToken)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: payload.RefreshToken}, nil
}

func statusError(code int, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		msg = env.Message
	}
	return &StatusError{StatusCode: code, Message: msg}
}
