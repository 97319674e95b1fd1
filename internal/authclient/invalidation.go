package authclient

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SessionInvalidator tears down a signed-in session. Each session notifies the
// shell at most once no matter how many failing request chains report it.
type SessionInvalidator struct {
	cache       *CredentialCache
	store       CredentialStore
	onSignedOut func(reason error)
	logger      *zap.Logger

	mu         sync.Mutex
	armed      bool
	generation uint64
}

func NewSessionInvalidator(cache *CredentialCache, store CredentialStore, onSignedOut func(reason error), logger *zap.Logger) *SessionInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionInvalidator{
		cache:       cache,
		store:       store,
		onSignedOut: onSignedOut,
		logger:      logger,
	}
}

// Arm starts a new session: install runs under the session lock and, if it
// succeeds, the next Invalidate will notify the shell again.
func (i *SessionInvalidator) Arm(install func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if install != nil {
		if err := install(); err != nil {
			return err
		}
	}
	i.generation++
	i.armed = true
	return nil
}

// Generation identifies the current session. It changes on Arm and Invalidate.
func (i *SessionInvalidator) Generation() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generation
}

// commit runs install only while the session that started at gen is still
// live. A successful install arms a session restored from the store without
// an explicit sign-in.
func (i *SessionInvalidator) commit(gen uint64, install func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.generation != gen {
		return ErrNotSignedIn
	}
	if err := install(); err != nil {
		return err
	}
	i.armed = true
	return nil
}

// Invalidate purges the cache and the store and notifies the shell. Repeated
// calls purge again but never notify twice for the same session. A nil reason
// means the user signed out.
func (i *SessionInvalidator) Invalidate(ctx context.Context, reason error) error {
	i.mu.Lock()
	return i.endLocked(ctx, reason)
}

// expire invalidates the session that started at gen. It returns
// ErrNotSignedIn without touching anything once that session has ended.
func (i *SessionInvalidator) expire(ctx context.Context, gen uint64, reason error) error {
	i.mu.Lock()
	if i.generation != gen {
		i.mu.Unlock()
		return ErrNotSignedIn
	}
	return i.endLocked(ctx, reason)
}

// endLocked is called with i.mu held and releases it.
func (i *SessionInvalidator) endLocked(ctx context.Context, reason error) error {
	notify := i.armed
	i.armed = false
	i.generation++

	i.cache.Clear()
	err := multierr.Combine(
		i.store.Delete(ctx, KeyAccessToken),
		i.store.Delete(ctx, KeyRefreshToken),
	)
	i.mu.Unlock()

	if err != nil {
		i.logger.Warn("failed to purge stored credentials", zap.Error(err))
	}

	if notify {
		i.logger.Info("session invalidated", zap.NamedError("reason", reason))
		if i.onSignedOut != nil {
			i.onSignedOut(reason)
		}
	}
	return err
}
