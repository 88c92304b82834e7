// Package apperr defines the error taxonomy shared by every component of the
// retrieval engine (gateway, worker, routes, seed resolver, graph store).
//
// Errors are plain sentinel values wrapped with fmt.Errorf("...: %w", Err*)
// at each boundary so callers can recover specific kinds with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the error taxonomy an error belongs to.
// It is carried on context.error_kind in API responses (spec §7).
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindUnauthenticated Kind = "unauthenticated"
	KindNotAuthorised   Kind = "not_authorised"
	KindIndexMissing    Kind = "index_missing"
	KindEmptySeedSet    Kind = "empty_seed_set"
	KindRateLimited     Kind = "rate_limited"
	KindProviderError   Kind = "provider_error"
	KindTimeout         Kind = "timeout"
	KindCancelled       Kind = "cancelled"
)

// Sentinel errors. Wrap with fmt.Errorf("stage X: %w", ErrX) at call sites;
// unwrap with errors.Is/errors.As.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotAuthorised   = errors.New("group not authorised")
	ErrIndexMissing    = errors.New("vector index missing")
	ErrEmptySeedSet    = errors.New("empty seed set")
	ErrRateLimited     = errors.New("rate limited")
	ErrProviderError   = errors.New("provider error")
	ErrTimeout         = errors.New("timeout")
	ErrCancelled       = errors.New("cancelled")
)

// Error wraps a sentinel with stage/entity context so the orchestrator can
// report which stage failed without losing errors.Is compatibility.
type Error struct {
	Kind    Kind
	Stage   string
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Detail, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds a stage-annotated Error around one of the sentinels above.
func New(kind Kind, stage, detail string, wrapped error) *Error {
	return &Error{Kind: kind, Stage: stage, Detail: detail, Wrapped: wrapped}
}

// Recoverable reports whether the orchestrator may recover from this error
// per spec §7's propagation policy: only EmptySeedSet and RateLimited are
// recoverable, everything else must be surfaced.
func Recoverable(err error) bool {
	return errors.Is(err, ErrEmptySeedSet) || errors.Is(err, ErrRateLimited)
}

// HTTPStatus maps a Kind to the HTTP status code named in spec §6.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidRequest:
		return 400
	case KindUnauthenticated:
		return 401
	case KindNotAuthorised:
		return 403
	case KindIndexMissing:
		return 500
	case KindRateLimited:
		return 429
	case KindTimeout:
		return 504
	case KindCancelled:
		return 499
	case KindProviderError:
		return 502
	case KindEmptySeedSet:
		return 200 // recovered by the orchestrator before reaching the gateway
	default:
		return 500
	}
}
