package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates a missing, malformed, or revoked bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoEligibleCredential means every credential is inactive, below the
	// balance threshold, or already tried for this request.
	ErrNoEligibleCredential = errors.New("no eligible credential")

	// ErrUpstreamTransport marks connect, timeout, and protocol failures on
	// the path to the upstream. It is a path fault, not a credential fault.
	ErrUpstreamTransport = errors.New("upstream transport failure")

	// ErrInvalidTunnel is returned when a tunnel link cannot be parsed.
	ErrInvalidTunnel = errors.New("invalid tunnel descriptor")

	// ErrCredentialNotFound means the requested credential ID does not exist.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrTunnelNotFound means the requested tunnel ID does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTokenNotFound means the requested service token ID does not exist.
	ErrTokenNotFound = errors.New("service token not found")
)

// UpstreamError wraps an upstream failure with credential context.
type UpstreamError struct {
	CredentialID int64
	Op           string
	Err          error
}

func (e *UpstreamError) Error() string {
	if e.CredentialID != 0 {
		return fmt.Sprintf("credential %d: %s: %v", e.CredentialID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is lets every UpstreamError match ErrUpstreamTransport.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamTransport
}
