package authclient

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource exposes the session as an oauth2.TokenSource, for libraries
// that take one (oauth2.Transport, grpc/credentials/oauth). It refreshes
// near expiry through the coordinator but never retries on 401.
type TokenSource struct {
	auth *authorizer
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

func (s *TokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.auth.credential(context.Background(), false)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotSignedIn
	}
	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.Claims.ExpiresAt,
	}, nil
}
