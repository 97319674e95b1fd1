package devserver

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	errUserExists         = errors.New("user already exists")
	errInvalidCredentials = errors.New("invalid email or password")
	errTokenNotFound      = errors.New("refresh token not found")
	errTokenRevoked       = errors.New("refresh token revoked")
	errTokenExpired       = errors.New("refresh token expired")
	errTokenReused        = errors.New("refresh token reuse detected")
)

type user struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	CreatedAt    time.Time
}

type userStore struct {
	mu      sync.RWMutex
	byEmail map[string]*user
	byID    map[string]*user
}

func newUserStore() *userStore {
	return &userStore{
		byEmail: make(map[string]*user),
		byID:    make(map[string]*user),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *userStore) create(email, name, password string) (*user, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	email = normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return nil, errUserExists
	}
	u := &user{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	s.byEmail[email] = u
	s.byID[u.ID] = u
	return u, nil
}

func (s *userStore) authenticate(email, password string) (*user, error) {
	s.mu.RLock()
	u, ok := s.byEmail[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}
	return u, nil
}

func (s *userStore) get(id string) (*user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	return u, ok
}

// refreshToken is one link of a rotation family. A token is used exactly once;
// presenting a used token again revokes the whole family.
type refreshToken struct {
	Token     string
	UserID    string
	Family    string
	ExpiresAt time.Time
	Used      bool
	Revoked   bool
}

type refreshTokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]*refreshToken
}

func newRefreshTokenStore(ttl time.Duration) *refreshTokenStore {
	return &refreshTokenStore{ttl: ttl, tokens: make(map[string]*refreshToken)}
}

func (s *refreshTokenStore) issue(userID string) *refreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID, uuid.NewString())
}

func (s *refreshTokenStore) issueLocked(userID, family string) *refreshToken {
	rt := &refreshToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		Family:    family,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.tokens[rt.Token] = rt
	return rt
}

// rotate consumes token and returns its successor in the same family.
func (s *refreshTokenStore) rotate(token string) (*refreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[token]
	switch {
	case !ok:
		return nil, errTokenNotFound
	case rt.Revoked:
		return nil, errTokenRevoked
	case rt.Used:
		s.revokeFamilyLocked(rt.Family)
		return nil, errTokenReused
	case time.Now().After(rt.ExpiresAt):
		return nil, errTokenExpired
	}

	rt.Used = true
	return s.issueLocked(rt.UserID, rt.Family), nil
}

// revoke ends the family token belongs to. Unknown tokens are ignored.
func (s *refreshTokenStore) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.tokens[token]; ok {
		s.revokeFamilyLocked(rt.Family)
	}
}

func (s *refreshTokenStore) revokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.tokens {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			n++
		}
	}
	return n
}

func (s *refreshTokenStore) revokeFamilyLocked(family string) {
	for _, rt := range s.tokens {
		if rt.Family == family {
			rt.Revoked = true
		}
	}
}
