package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialNotFound is returned by a CredentialStore when the key has no value.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNotSignedIn is returned by operations that need a signed-in session.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrSessionExpired marks every terminal refresh failure. Callers that see it
	// should send the user back to sign-in.
	ErrSessionExpired = errors.New("session expired")

	ErrNoRefreshCredential = errors.New("refresh credential is missing")
	ErrRefreshRejected     = errors.New("refresh credential rejected")
	ErrRefreshExhausted    = errors.New("refresh attempts exhausted")
	ErrRefreshTimeout      = errors.New("refresh timed out")
)

// RefreshError is the terminal outcome of a refresh episode. Every caller parked
// on the episode receives the same *RefreshError.
type RefreshError struct {
	Op  string
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Op, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{ErrSessionExpired, e.Err}
}

// StatusError describes a non-success response from an auth endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
