package authclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen test server: %v", err)
	}

	server := httptest.NewUnstartedServer(handler)
	server.Listener = l
	server.Start()
	t.Cleanup(server.Close)
	return server
}

// signTestToken returns an HS256 JWT for sub expiring after ttl. Every call
// yields a distinct token.
func signTestToken(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func mustCredential(t *testing.T, token string) *AccessCredential {
	t.Helper()
	cred, err := NewAccessCredential(token)
	if err != nil {
		t.Fatalf("new access credential: %v", err)
	}
	return cred
}

// countingExecutor issues a fresh token pair per call and counts calls.
type countingExecutor struct {
	t     *testing.T
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (e *countingExecutor) Exchange(ctx context.Context, refreshToken string) (*TokenPair, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &TokenPair{
		Access:  mustCredential(e.t, signTestToken(e.t, "user-1", time.Hour)),
		Refresh: "rotated-" + uuid.NewString(),
	}, nil
}

type testSession struct {
	cache       *CredentialCache
	store       *MemoryStore
	invalidator *SessionInvalidator
	coordinator *RefreshCoordinator
	signedOut   atomic.Int32
}

// newTestSession returns a signed-in session whose refresh runs through exec.
func newTestSession(t *testing.T, exec RefreshExecutor, timeout time.Duration) *testSession {
	t.Helper()
	s := &testSession{
		cache: NewCredentialCache(),
		store: NewMemoryStore(),
	}
	s.invalidator = NewSessionInvalidator(s.cache, s.store, func(error) { s.signedOut.Add(1) }, nil)

	coordinator, err := NewRefreshCoordinator(CoordinatorOptions{
		Cache:       s.cache,
		Store:       s.store,
		Executor:    exec,
		Invalidator: s.invalidator,
		Timeout:     timeout,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	s.coordinator = coordinator

	ctx := context.Background()
	access := mustCredential(t, signTestToken(t, "user-1", time.Hour))
	if err := s.invalidator.Arm(func() error {
		if err := s.store.Set(ctx, KeyAccessToken, access.Token); err != nil {
			return err
		}
		if err := s.store.Set(ctx, KeyRefreshToken, "refresh-0"); err != nil {
			return err
		}
		s.cache.Set(access)
		return nil
	}); err != nil {
		t.Fatalf("arm session: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
