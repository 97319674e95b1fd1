package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultRefreshTimeout = 15 * time.Second

// RefreshState is the coordinator's view of the refresh lifecycle.
type RefreshState int

const (
	StateIdle RefreshState = iota
	StateInFlight
	StateFailedTerminal
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	case StateFailedTerminal:
		return "failed_terminal"
	default:
		return fmt.Sprintf("RefreshState(%d)", int(s))
	}
}

// episode is one in-flight refresh for the session generation gen. done is
// closed exactly once, after cred or err is set, which releases every parked
// caller.
type episode struct {
	id      string
	gen     uint64
	started time.Time
	done    chan struct{}
	waiting int

	cred *AccessCredential
	err  error
}

type CoordinatorOptions struct {
	Cache       *CredentialCache
	Store       CredentialStore
	Executor    RefreshExecutor
	Invalidator *SessionInvalidator
	Logger      *zap.Logger
	Timeout     time.Duration // upper bound for one exchange
}

// RefreshCoordinator collapses concurrent refresh demand into a single
// exchange per episode.
type RefreshCoordinator struct {
	cache       *CredentialCache
	store       CredentialStore
	executor    RefreshExecutor
	invalidator *SessionInvalidator
	logger      *zap.Logger
	timeout     time.Duration

	mu      sync.Mutex
	state   RefreshState
	current *episode
}

func NewRefreshCoordinator(opts CoordinatorOptions) (*RefreshCoordinator, error) {
	if opts.Cache == nil {
		return nil, errors.New("credential cache is required")
	}
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("refresh executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Invalidator == nil {
		opts.Invalidator = NewSessionInvalidator(opts.Cache, opts.Store, nil, opts.Logger)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRefreshTimeout
	}

	return &RefreshCoordinator{
		cache:       opts.Cache,
		store:       opts.Store,
		executor:    opts.Executor,
		invalidator: opts.Invalidator,
		logger:      opts.Logger,
		timeout:     opts.Timeout,
	}, nil
}

// State returns the current refresh state.
func (c *RefreshCoordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting returns how many callers are parked on the in-flight episode.
func (c *RefreshCoordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.waiting
}

// Acquire returns a fresh access credential. stale is the credential the caller
// saw fail (nil if it had none); if the cache already holds a different one,
// that credential is returned without a new exchange. Otherwise the caller
// starts or joins the in-flight episode. Cancelling ctx abandons only this
// caller's wait.
func (c *RefreshCoordinator) Acquire(ctx context.Context, stale *AccessCredential) (*AccessCredential, error) {
	c.mu.Lock()
	if stale != nil {
		if cur := c.cache.Get(); cur != nil && cur.Token != stale.Token {
			c.mu.Unlock()
			return cur, nil
		}
	}

	// An episode left over from an ended session cannot serve the new one.
	gen := c.invalidator.Generation()
	ep := c.current
	if ep == nil || ep.gen != gen {
		ep = &episode{
			id:      uuid.NewString(),
			gen:     gen,
			started: time.Now(),
			done:    make(chan struct{}),
		}
		c.current = ep
		c.state = StateInFlight
		go c.run(ep)
	}
	ep.waiting++
	c.mu.Unlock()

	select {
	case <-ep.done:
		return ep.cred, ep.err
	case <-ctx.Done():
		c.mu.Lock()
		ep.waiting--
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ep *episode) {
	logger := c.logger.With(zap.String("episode", ep.id))
	logger.Debug("refresh episode started")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	pair, err := c.exchange(ctx)
	if err == nil {
		err = c.install(ctx, ep.gen, pair)
	}
	if err != nil {
		c.fail(ep, err, logger)
		return
	}
	c.succeed(ep, pair.Access, logger)
}

// exchange loads the refresh credential and runs the executor, bounded by ctx
// even if the executor ignores it.
func (c *RefreshCoordinator) exchange(ctx context.Context) (*TokenPair, error) {
	refreshToken, err := c.store.Get(ctx, KeyRefreshToken)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, &RefreshError{Op: "load", Err: ErrNoRefreshCredential}
		}
		return nil, &RefreshError{Op: "load", Err: err}
	}
	if refreshToken == "" {
		return nil, &RefreshError{Op: "load", Err: ErrNoRefreshCredential}
	}

	type result struct {
		pair *TokenPair
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		pair, err := c.executor.Exchange(ctx, refreshToken)
		ch <- result{pair: pair, err: err}
	}()

	select {
	case res := <-ch:
		switch {
		case res.err != nil && errors.Is(res.err, context.DeadlineExceeded):
			return nil, &RefreshError{Op: "exchange", Err: fmt.Errorf("%w: %w", ErrRefreshTimeout, res.err)}
		case res.err != nil:
			return nil, &RefreshError{Op: "exchange", Err: res.err}
		case res.pair == nil || res.pair.Access == nil:
			return nil, &RefreshError{Op: "exchange", Err: errors.New("executor returned no access credential")}
		}
		if res.pair.Refresh == "" {
			res.pair.Refresh = refreshToken
		}
		return res.pair, nil
	case <-ctx.Done():
		return nil, &RefreshError{Op: "exchange", Err: ErrRefreshTimeout}
	}
}

// install publishes the new pair to the cache and persists it, unless the
// session was signed out while the exchange was running. If the store write
// fails the refreshed session lives in memory only and will not survive a
// restart.
func (c *RefreshCoordinator) install(ctx context.Context, gen uint64, pair *TokenPair) error {
	err := c.invalidator.commit(gen, func() error {
		c.cache.Set(pair.Access)
		if err := multierr.Combine(
			c.store.Set(ctx, KeyAccessToken, pair.Access.Token),
			c.store.Set(ctx, KeyRefreshToken, pair.Refresh),
		); err != nil {
			c.logger.Error("refreshed credentials not persisted, session will not survive a restart", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return &RefreshError{Op: "install", Err: err}
	}
	return nil
}

func (c *RefreshCoordinator) succeed(ep *episode, cred *AccessCredential, logger *zap.Logger) {
	c.mu.Lock()
	ep.cred = cred
	waiting := ep.waiting
	c.release(ep)
	c.mu.Unlock()

	logger.Info("credentials refreshed",
		zap.String("access_token", maskToken(cred.Token)),
		zap.Time("expires_at", cred.Claims.ExpiresAt),
		zap.Int("released", waiting),
		zap.Duration("duration", time.Since(ep.started)),
	)
}

// fail resolves the episode with a terminal error. The episode's session is
// invalidated once here, before any parked caller is released. A session that
// already ended, or was replaced by a new sign-in, is left alone.
func (c *RefreshCoordinator) fail(ep *episode, err error, logger *zap.Logger) {
	if !errors.Is(err, ErrNotSignedIn) {
		c.mu.Lock()
		if c.current == ep {
			c.state = StateFailedTerminal
		}
		c.mu.Unlock()

		invErr := c.invalidator.expire(context.Background(), ep.gen, err)
		switch {
		case errors.Is(invErr, ErrNotSignedIn):
			logger.Debug("refresh failed for an ended session", zap.Error(err))
		case invErr != nil:
			logger.Warn("session invalidation incomplete", zap.Error(invErr))
		}
	}

	c.mu.Lock()
	ep.err = err
	waiting := ep.waiting
	c.release(ep)
	c.mu.Unlock()

	logger.Warn("credential refresh failed",
		zap.Error(err),
		zap.Int("released", waiting),
		zap.Duration("duration", time.Since(ep.started)),
	)
}

// release closes ep and, if it is still the current episode, returns the
// coordinator to idle. Called with c.mu held.
func (c *RefreshCoordinator) release(ep *episode) {
	if c.current == ep {
		c.current = nil
		c.state = StateIdle
	}
	close(ep.done)
}
