package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type apiResponse struct {
	Result  map[string]string `json:"result"`
	Message string            `json:"message"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Options{Secret: "test-secret", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func call(t *testing.T, s *Server, method, path, bearer string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp apiResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	return rec.Code, resp
}

func signIn(t *testing.T, s *Server, email, password string) (string, string) {
	t.Helper()
	code, resp := call(t, s, http.MethodPost, "/auth/signin", "", map[string]string{"email": email, "password": password})
	if code != http.StatusOK {
		t.Fatalf("signin: %d %s", code, resp.Message)
	}
	return resp.Result["access_token"], resp.Result["refresh_token"]
}

func TestSignUpSignInAndProfile(t *testing.T) {
	s := newTestServer(t)

	code, resp := call(t, s, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "Ada@Example.com", "password": "long-enough", "name": "Ada",
	})
	if code != http.StatusCreated || resp.Result["id"] == "" {
		t.Fatalf("signup: %d %+v", code, resp)
	}

	code, _ = call(t, s, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "ada@example.com", "password": "long-enough",
	})
	if code != http.StatusConflict {
		t.Fatalf("expected duplicate signup to conflict, got %d", code)
	}

	access, refresh := signIn(t, s, "ada@example.com", "long-enough")
	if access == "" || refresh == "" {
		t.Fatal("signin returned an empty token")
	}

	code, resp = call(t, s, http.MethodGet, "/me", access, nil)
	if code != http.StatusOK || resp.Result["email"] != "ada@example.com" || resp.Result["name"] != "Ada" {
		t.Fatalf("me: %d %+v", code, resp)
	}
}

func TestSignInRejectsBadPassword(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.CreateUser("ada@example.com", "Ada", "long-enough"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	code, resp := call(t, s, http.MethodPost, "/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "nope"})
	if code != http.StatusUnauthorized || resp.Message == "" {
		t.Fatalf("expected 401 with message, got %d %+v", code, resp)
	}
}

func TestProfileRequiresValidToken(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.CreateUser("ada@example.com", "Ada", "long-enough"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	access, _ := signIn(t, s, "ada@example.com", "long-enough")

	if code, _ := call(t, s, http.MethodGet, "/me", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := call(t, s, http.MethodGet, "/me", "garbage", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", code)
	}

	s.ExpireAccessTokens()
	if code, _ := call(t, s, http.MethodGet, "/me", access, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after key rotation, got %d", code)
	}
	if got := s.Stats().Unauthorized; got != 3 {
		t.Fatalf("expected 3 unauthorized responses, got %d", got)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.CreateUser("ada@example.com", "Ada", "long-enough"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, refresh0 := signIn(t, s, "ada@example.com", "long-enough")

	code, resp := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh0})
	if code != http.StatusOK {
		t.Fatalf("refresh: %d %s", code, resp.Message)
	}
	refresh1 := resp.Result["refresh_token"]
	if refresh1 == "" || refresh1 == refresh0 {
		t.Fatalf("expected a rotated refresh token, got %q", refresh1)
	}
	if code, _ := call(t, s, http.MethodGet, "/me", resp.Result["access_token"], nil); code != http.StatusOK {
		t.Fatalf("refreshed access token rejected: %d", code)
	}

	// Replaying the consumed token revokes the family, including refresh1.
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh0}); code != http.StatusUnauthorized {
		t.Fatalf("expected reuse to be rejected, got %d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh1}); code != http.StatusUnauthorized {
		t.Fatalf("expected family revoked, got %d", code)
	}

	stats := s.Stats()
	if stats.Refreshes != 3 || stats.RefreshFailed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRefreshValidation(t *testing.T) {
	s := newTestServer(t)
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{}); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": "unknown"}); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", code)
	}
}

func TestRefreshTokenExpiry(t *testing.T) {
	s, err := New(Options{Secret: "test-secret", RefreshTokenTTL: time.Millisecond})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := s.CreateUser("ada@example.com", "Ada", "long-enough"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, refresh := signIn(t, s, "ada@example.com", "long-enough")
	time.Sleep(5 * time.Millisecond)

	code, resp := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh})
	if code != http.StatusUnauthorized || resp.Message != errTokenExpired.Error() {
		t.Fatalf("expected expiry rejection, got %d %+v", code, resp)
	}
}

func TestSignOutRevokesRefreshToken(t *testing.T) {
	s := newTestServer(t)
	userID, err := s.CreateUser("ada@example.com", "Ada", "long-enough")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	access, refresh := signIn(t, s, "ada@example.com", "long-enough")

	if code, _ := call(t, s, http.MethodPost, "/auth/signout", access, map[string]string{"refreshToken": refresh}); code != http.StatusOK {
		t.Fatalf("signout: %d", code)
	}
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh}); code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token, got %d", code)
	}

	_, refresh2 := signIn(t, s, "ada@example.com", "long-enough")
	if n := s.RevokeUserSessions(userID); n != 1 {
		t.Fatalf("expected one live token revoked, got %d", n)
	}
	if code, _ := call(t, s, http.MethodPost, "/auth/refreshToken", "", map[string]string{"refreshToken": refresh2}); code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token, got %d", code)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without secret")
	}
}
