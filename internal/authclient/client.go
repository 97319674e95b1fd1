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
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	defaultSignInPath    = "/auth/signin"
	defaultSignOutPath   = "/auth/signout"
	defaultCheckInterval = time.Minute
)

// Options configures a Client. BaseURL and Store are required.
type Options struct {
	BaseURL string
	Store   CredentialStore

	// Base is the raw transport. Sign-in and the refresh exchange use it
	// directly; everything else goes through the refreshing Transport.
	Base http.RoundTripper

	// Executor overrides the HTTP refresh exchange.
	Executor RefreshExecutor

	RequestTimeout     time.Duration
	RefreshTimeout     time.Duration
	ExpirySkew         time.Duration
	CheckInterval      time.Duration
	MaxRefreshAttempts int

	RefreshPath string
	SignInPath  string
	SignOutPath string

	// OnSignedOut is called once per session when it ends, with a nil reason
	// for an explicit sign-out.
	OnSignedOut func(reason error)

	Logger *zap.Logger
}

// Client is an authenticated HeritaHub API client.
type Client struct {
	baseURL     string
	signInPath  string
	signOutPath string

	store       CredentialStore
	cache       *CredentialCache
	invalidator *SessionInvalidator
	coordinator *RefreshCoordinator
	auth        *authorizer

	rawClient  *http.Client
	httpClient *http.Client
	logger     *zap.Logger

	skew          time.Duration
	checkInterval time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.RefreshPath == "" {
		opts.RefreshPath = defaultRefreshPath
	}
	if opts.SignInPath == "" {
		opts.SignInPath = defaultSignInPath
	}
	if opts.SignOutPath == "" {
		opts.SignOutPath = defaultSignOutPath
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")

	rawClient := &http.Client{Transport: opts.Base, Timeout: opts.RequestTimeout}

	if opts.Executor == nil {
		refresher, err := NewHTTPRefresher(HTTPRefresherOptions{
			BaseURL:     baseURL,
			Path:        opts.RefreshPath,
			HTTPClient:  rawClient,
			MaxAttempts: opts.MaxRefreshAttempts,
			Logger:      opts.Logger.Named("refresh"),
		})
		if err != nil {
			return nil, err
		}
		opts.Executor = refresher
	}

	cache := NewCredentialCache()
	invalidator := NewSessionInvalidator(cache, opts.Store, opts.OnSignedOut, opts.Logger.Named("session"))

	coordinator, err := NewRefreshCoordinator(CoordinatorOptions{
		Cache:       cache,
		Store:       opts.Store,
		Executor:    opts.Executor,
		Invalidator: invalidator,
		Logger:      opts.Logger.Named("refresh"),
		Timeout:     opts.RefreshTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init refresh coordinator: %w", err)
	}

	interceptorOpts := InterceptorOptions{
		Cache:       cache,
		Store:       opts.Store,
		Coordinator: coordinator,
		Logger:      opts.Logger.Named("transport"),
		ExpirySkew:  opts.ExpirySkew,
		ExemptPaths: []string{opts.RefreshPath, opts.SignInPath},
	}
	transport, err := NewTransport(opts.Base, interceptorOpts)
	if err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}

	return &Client{
		baseURL:       baseURL,
		signInPath:    opts.SignInPath,
		signOutPath:   opts.SignOutPath,
		store:         opts.Store,
		cache:         cache,
		invalidator:   invalidator,
		coordinator:   coordinator,
		auth:          transport.auth,
		rawClient:     rawClient,
		httpClient:    &http.Client{Transport: transport, Timeout: opts.RequestTimeout},
		logger:        opts.Logger,
		skew:          opts.ExpirySkew,
		checkInterval: opts.CheckInterval,
	}, nil
}

// HTTPClient returns the authenticated client. Safe for concurrent use.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// NewRequest builds a request for a path relative to the base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SignIn exchanges email and password for a token pair and starts a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*AccessCredential, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signin body: %w", err)
	}

	req, err := c.NewRequest(ctx, http.MethodPost, c.signInPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build signin request: %w", err)
	}

	resp, err := c.rawClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signin request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read signin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signin: %w", statusError(resp.StatusCode, respBody))
	}

	pair, err := decodeTokenPair(respBody)
	if err != nil {
		return nil, fmt.Errorf("decode signin response: %w", err)
	}
	if pair.Refresh == "" {
		return nil, errors.New("signin response missing refresh_token")
	}

	err = c.invalidator.Arm(func() error {
		if err := c.store.Set(ctx, KeyAccessToken, pair.Access.Token); err != nil {
			return fmt.Errorf("persist access credential: %w", err)
		}
		if err := c.store.Set(ctx, KeyRefreshToken, pair.Refresh); err != nil {
			return fmt.Errorf("persist refresh credential: %w", err)
		}
		c.cache.Set(pair.Access)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("signed in",
		zap.String("subject", pair.Access.Claims.Subject),
		zap.Time("expires_at", pair.Access.Claims.ExpiresAt),
	)
	return pair.Access, nil
}

// SignOut revokes the refresh token on the backend, ignoring failures, and ends the local session.
func (c *Client) SignOut(ctx context.Context) error {
	if cred := c.cache.Get(); cred != nil {
		if err := c.revoke(ctx, cred); err != nil {
			c.logger.Warn("backend signout failed, clearing local session anyway", zap.Error(err))
		}
	}
	return c.invalidator.Invalidate(ctx, nil)
}

func (c *Client) revoke(ctx context.Context, cred *AccessCredential) error {
	refreshToken, err := c.store.Get(ctx, KeyRefreshToken)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return err
	}
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return err
	}

	req, err := c.NewRequest(ctx, http.MethodPost, c.signOutPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", cred.AuthorizationHeader())

	resp, err := c.rawClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return statusError(resp.StatusCode, respBody)
	}
	return nil
}

// Restore resumes the session persisted in the store. If only the refresh
// credential survived, a refresh is run to obtain an access credential.
func (c *Client) Restore(ctx context.Context) (*AccessCredential, error) {
	if _, err := c.store.Get(ctx, KeyRefreshToken); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, ErrNotSignedIn
		}
		return nil, fmt.Errorf("load refresh credential: %w", err)
	}

	token, err := c.store.Get(ctx, KeyAccessToken)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return nil, fmt.Errorf("load access credential: %w", err)
	}

	var cred *AccessCredential
	if token != "" {
		cred, err = NewAccessCredential(token)
		if err != nil {
			return nil, err
		}
	}

	err = c.invalidator.Arm(func() error {
		c.cache.Set(cred)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cred == nil {
		c.logger.Info("no stored access credential, refreshing")
		return c.coordinator.Acquire(ctx, nil)
	}

	c.logger.Info("session restored",
		zap.String("subject", cred.Claims.Subject),
		zap.Time("expires_at", cred.Claims.ExpiresAt),
	)
	return cred, nil
}

// Current returns the cached access credential, or nil when signed out.
func (c *Client) Current() *AccessCredential {
	return c.cache.Get()
}

// Claims returns the claims of the current access credential.
func (c *Client) Claims() (Claims, error) {
	cred := c.cache.Get()
	if cred == nil {
		return Claims{}, ErrNotSignedIn
	}
	return cred.Claims, nil
}

// UserID returns the subject of the current access credential.
func (c *Client) UserID() (string, error) {
	claims, err := c.Claims()
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("access credential has no subject")
	}
	return claims.Subject, nil
}

// RefreshState reports the coordinator's state.
func (c *Client) RefreshState() RefreshState {
	return c.coordinator.State()
}

func (c *Client) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return c.auth.unaryInterceptor()
}

func (c *Client) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return c.auth.streamInterceptor()
}

func (c *Client) TokenSource() *TokenSource {
	return &TokenSource{auth: c.auth}
}

// Start runs the proactive refresh loop until Shutdown or ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stopCh, c.done
	c.mu.Unlock()

	go c.refreshLoop(ctx, stop, done)
	return nil
}

// Shutdown stops the refresh loop and waits for it to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stopCh, c.done
	c.stopCh = nil
	c.done = nil
	c.started = false
	c.mu.Unlock()

	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the refresh loop and releases the credential store.
func (c *Client) Close() error {
	if err := c.Shutdown(context.Background()); err != nil {
		return err
	}
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Client) refreshLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer c.loopExited(done)

	c.logger.Info("credential refresh loop started",
		zap.Duration("check_interval", c.checkInterval),
		zap.Duration("expiry_skew", c.skew),
	)

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.refreshIfNeeded(ctx); err != nil {
				c.logger.Warn("periodic credential refresh failed", zap.Error(err))
			}
		case <-stop:
			c.logger.Info("credential refresh loop stopped")
			return
		case <-ctx.Done():
			c.logger.Info("credential refresh loop cancelled")
			return
		}
	}
}

// loopExited clears the loop state when the loop ended on its own, so a later
// Start runs a new one.
func (c *Client) loopExited(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.started = false
		c.stopCh = nil
		c.done = nil
	}
}

func (c *Client) refreshIfNeeded(ctx context.Context) error {
	cred := c.cache.Get()
	if cred == nil || !cred.ExpiresWithin(time.Now(), c.skew) {
		return nil
	}
	_, err := c.coordinator.Acquire(ctx, cred)
	return err
}
