// Package devserver is a local stand-in for the HeritaHub auth backend. It
// implements sign-up, sign-in, rotating refresh tokens and a protected profile
// endpoint, enough to exercise the client end to end.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	maxRequestBody         = 1 << 20
)

type Options struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Logger          *zap.Logger
}

// Stats counts calls to the auth endpoints.
type Stats struct {
	SignIns       int64
	Refreshes     int64
	RefreshFailed int64
	Unauthorized  int64
}

type Server struct {
	router  *mux.Router
	users   *userStore
	refresh *refreshTokenStore
	signer  *signer
	logger  *zap.Logger

	refreshDelay atomic.Int64
	signIns      atomic.Int64
	refreshes    atomic.Int64
	refreshFail  atomic.Int64
	unauthorized atomic.Int64
}

func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = defaultAccessTokenTTL
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		users:   newUserStore(),
		refresh: newRefreshTokenStore(opts.RefreshTokenTTL),
		signer:  newSigner(opts.Secret, opts.AccessTokenTTL),
		logger:  opts.Logger,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/signup", s.handleSignUp).Methods(http.MethodPost)
	auth.HandleFunc("/signin", s.handleSignIn).Methods(http.MethodPost)
	auth.HandleFunc("/refreshToken", s.handleRefresh).Methods(http.MethodPost)
	auth.HandleFunc("/signout", s.handleSignOut).Methods(http.MethodPost)
	r.Handle("/me", s.requireAuth(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	s.router = r

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CreateUser registers a user directly, bypassing the HTTP endpoint.
func (s *Server) CreateUser(email, name, password string) (string, error) {
	u, err := s.users.create(email, name, password)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// ExpireAccessTokens rotates the signing key so every issued access token
// now fails validation. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.signer.rotate()
	s.logger.Info("signing key rotated, access tokens invalidated")
}

// RevokeUserSessions revokes every refresh token of the user.
func (s *Server) RevokeUserSessions(userID string) int {
	n := s.refresh.revokeUser(userID)
	s.logger.Info("user sessions revoked", zap.String("user_id", userID), zap.Int("tokens", n))
	return n
}

// SetRefreshDelay holds every refresh response for d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

func (s *Server) Stats() Stats {
	return Stats{
		SignIns:       s.signIns.Load(),
		Refreshes:     s.refreshes.Load(),
		RefreshFailed: s.refreshFail.Load(),
		Unauthorized:  s.unauthorized.Load(),
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		writeMessage(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}

	u, err := s.users.create(req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, errUserExists) {
			writeMessage(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("create user", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeResult(w, http.StatusCreated, map[string]string{"id": u.ID, "email": u.Email})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := s.users.authenticate(req.Email, req.Password)
	if err != nil {
		writeMessage(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.signIns.Add(1)

	rt := s.refresh.issue(u.ID)
	s.writeTokens(w, u, rt.Token)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	var req refreshRequest
	if !decodeBody(w, r, &req) {
		s.refreshFail.Add(1)
		return
	}
	if req.RefreshToken == "" {
		s.refreshFail.Add(1)
		writeMessage(w, http.StatusBadRequest, "refresh token required")
		return
	}

	next, err := s.refresh.rotate(req.RefreshToken)
	if err != nil {
		s.refreshFail.Add(1)
		if errors.Is(err, errTokenReused) {
			s.logger.Warn("refresh token reuse detected, family revoked")
		}
		writeMessage(w, http.StatusUnauthorized, err.Error())
		return
	}

	u, ok := s.users.get(next.UserID)
	if !ok {
		s.refreshFail.Add(1)
		writeMessage(w, http.StatusUnauthorized, "user not found")
		return
	}
	s.writeTokens(w, u, next.Token)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken != "" {
		s.refresh.revoke(req.RefreshToken)
	}
	writeMessage(w, http.StatusOK, "signed out")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := s.users.get(userIDFrom(r))
	if !ok {
		writeMessage(w, http.StatusNotFound, "user not found")
		return
	}
	writeResult(w, http.StatusOK, map[string]string{
		"id":    u.ID,
		"email": u.Email,
		"name":  u.Name,
	})
}

func (s *Server) writeTokens(w http.ResponseWriter, u *user, refreshToken string) {
	access, _, err := s.signer.sign(u)
	if err != nil {
		s.logger.Error("issue access token", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeResult(w, http.StatusOK, tokenResult{AccessToken: access, RefreshToken: refreshToken})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "bearer "
		if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			s.unauthorized.Add(1)
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		sub, err := s.signer.validate(strings.TrimSpace(header[len(prefix):]))
		if err != nil {
			s.unauthorized.Add(1)
			s.logger.Debug("access token rejected", zap.Error(err))
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, withUserID(r, sub))
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, map[string]any{"result": result})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
