package loom

import "fmt"

// ErrorKind is one of the caller-visible error categories the gateway
// returns. Internal provider-level failures are classified more finely by
// internal/errkind; ErrorKind is the coarser, stable surface callers code
// against.
type ErrorKind string

const (
	// ErrBudgetExceeded means CostGuard vetoed the request before any
	// provider was contacted.
	ErrBudgetExceeded ErrorKind = "budget_exceeded"
	// ErrNoHealthyProvider means every candidate provider was unhealthy or
	// none matched the requested session class.
	ErrNoHealthyProvider ErrorKind = "no_healthy_provider"
	// ErrCancelled means the caller's context was cancelled or timed out
	// before a response was obtained.
	ErrCancelled ErrorKind = "cancelled"
	// ErrInvalidRequest means the request itself was malformed (empty
	// messages, unknown model with no alias, and so on).
	ErrInvalidRequest ErrorKind = "invalid_request"
	// ErrInternal is a catch-all for failures that aren't one of the above
	// and don't fit the provider error taxonomy either.
	ErrInternal ErrorKind = "internal"
)

// Error is the error type returned to callers across the gateway's surface,
// matching errors.Is(err, circuitbreaker.ErrCircuitOpen)'s idiom of the
// teacher's gateway.go: Unwrap exposes the underlying cause so both
// errors.Is and errors.As keep working across the Gateway boundary.
type Error struct {
	Kind      ErrorKind
	Provider  string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, provider, requestID string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, RequestID: requestID, Err: err}
}
