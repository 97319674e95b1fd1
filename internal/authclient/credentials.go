package authclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded, unverified payload of an access credential.
type Claims struct {
	Subject   string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Profile   map[string]any
}

// AccessCredential is a bearer token plus the claims decoded from it.
// Values are never mutated after construction; a refresh replaces the pointer.
type AccessCredential struct {
	Token  string
	Claims Claims
}

// TokenPair is what sign-in and the refresh exchange hand back.
type TokenPair struct {
	Access  *AccessCredential
	Refresh string
}

var registeredClaims = map[string]bool{
	"sub": true, "email": true, "iat": true, "exp": true,
	"nbf": true, "iss": true, "aud": true, "jti": true,
}

// NewAccessCredential decodes the JWT payload of token without verifying its
// signature; the client never holds the signing key. Opaque tokens are
// accepted with empty claims.
func NewAccessCredential(token string) (*AccessCredential, error) {
	if token == "" {
		return nil, errors.New("access token is empty")
	}

	cred := &AccessCredential{Token: token}

	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return cred, nil
		}
		return nil, fmt.Errorf("decode access token: %w", err)
	}

	// sub may be numeric on some backends
	switch sub := mapClaims["sub"].(type) {
	case string:
		cred.Claims.Subject = sub
	case float64:
		cred.Claims.Subject = fmt.Sprintf("%.0f", sub)
	}
	if email, ok := mapClaims["email"].(string); ok {
		cred.Claims.Email = email
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		cred.Claims.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		cred.Claims.IssuedAt = iat.Time
	}

	for k, v := range mapClaims {
		if registeredClaims[k] {
			continue
		}
		if cred.Claims.Profile == nil {
			cred.Claims.Profile = make(map[string]any)
		}
		cred.Claims.Profile[k] = v
	}

	return cred, nil
}

// ExpiresWithin reports whether the credential expires before now+d.
// Credentials without an exp claim never expire from the client's view.
func (c *AccessCredential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c == nil {
		return true
	}
	if c.Claims.ExpiresAt.IsZero() {
		return false
	}
	return c.Claims.ExpiresAt.Before(now.Add(d))
}

// AuthorizationHeader returns the value for the Authorization header.
func (c *AccessCredential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// maskToken masks a token for safe logging, showing only a short prefix.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
