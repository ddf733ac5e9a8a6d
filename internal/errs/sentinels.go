// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the requested account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication: unknown login, wrong secret,
	// disabled account or a storage failure during lookup. Callers never learn which.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenInvalid indicates a malformed, expired or badly signed bearer token.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstreamTimeout indicates the upstream agent did not answer within the bounded wait.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamUnreachable indicates a transport-level failure talking to the upstream agent.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// UpstreamRejectedError carries a non-success upstream response so it can be passed through.
type UpstreamRejectedError struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d", e.Status)
}
