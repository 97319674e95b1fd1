package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// signer issues and validates HS256 access tokens. The key can be rotated to
// invalidate every outstanding access token at once.
type signer struct {
	mu  sync.RWMutex
	key []byte
	ttl time.Duration
}

func newSigner(secret string, ttl time.Duration) *signer {
	return &signer{key: []byte(secret), ttl: ttl}
}

func (s *signer) sign(u *user) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"name":  u.Name,
		"type":  "access",
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
	}

	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return token, expiresAt, nil
}

// validate returns the subject of a valid access token.
func (s *signer) validate(tokenString string) (string, error) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return "", errors.New("invalid token type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("missing subject")
	}
	return sub, nil
}

func (s *signer) rotate() {
	s.mu.Lock()
	s.key = []byte(uuid.NewString())
	s.mu.Unlock()
}
