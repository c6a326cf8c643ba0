// Package errkind classifies provider errors into a fixed taxonomy and
// derives retry behavior (retryability, severity, backoff) from it.
package errkind

import (
	"math/rand"
	"strings"
	"time"
)

// Kind is one of a closed set of provider error categories.
type Kind string

const (
	Timeout          Kind = "timeout"
	Network          Kind = "network"
	RateLimit        Kind = "rate_limit"
	ServerError      Kind = "server_error"
	Auth             Kind = "auth"
	InvalidRequest   Kind = "invalid_request"
	QuotaExceeded    Kind = "quota_exceeded"
	ModelUnavailable Kind = "model_unavailable"
	Unknown          Kind = "unknown"
)

// Severity reflects how aggressively a failure should influence provider
// health: Low and Medium are expected noise, High and Critical should
// count toward circuit-breaker tripping.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classify maps an error to a Kind using the same substring heuristics as
// the error message conventions providers in this gateway use ("timeout",
// "rate limit", "insufficient credits", and so on), since provider SDKs and
// raw HTTP adapters alike surface errors as plain strings rather than a
// shared error type.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return Timeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "no such host"):
		return Network
	case strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return Auth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return RateLimit
	case strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient credits"):
		return QuotaExceeded
	case strings.Contains(msg, "model") && strings.Contains(msg, "unavailable"):
		return ModelUnavailable
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request"):
		return InvalidRequest
	case strings.Contains(msg, "server error") || strings.Contains(msg, "internal error"):
		return ServerError
	default:
		return Unknown
	}
}

// SeverityOf returns the severity associated with a Kind. Auth, quota,
// invalid-request, and server errors are High; everything else recognized
// is Medium; Unknown is Medium as well since an unrecognized error is
// neither clearly transient nor clearly fatal.
func SeverityOf(k Kind) Severity {
	switch k {
	case Auth, QuotaExceeded, InvalidRequest, ServerError:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// CountsTowardBreaker reports whether a failure of this severity should be
// recorded against a provider's circuit breaker. Only High and Critical
// severities count; routine Medium-severity failures (a single timeout,
// one rate-limited request) don't trip the breaker on their own.
func CountsTowardBreaker(s Severity) bool {
	return s == SeverityHigh || s == SeverityCritical
}

// nonRetryable is the set of kinds that should never be retried against the
// same provider: the request itself is wrong, the credential is wrong, the
// account is out of quota, or the model simply isn't served there — in all
// four cases retrying changes nothing and the gateway should fall through to
// the next provider instead (error_handler.py: model_unavailable never gets
// an in-provider retry).
var nonRetryable = map[Kind]bool{
	Auth:             true,
	InvalidRequest:   true,
	QuotaExceeded:    true,
	ModelUnavailable: true,
}

// Retryable reports whether a request that failed with this Kind may be
// retried (against the same provider, within the Policy's MaxRetries) or
// should instead fall through to the next provider without a same-provider
// retry.
func Retryable(k Kind) bool {
	return !nonRetryable[k]
}

// Policy configures exponential backoff with jitter between same-provider
// retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy mirrors the teacher's fallback strategy backoff
// (100ms * 2^(attempt-1)) extended with a cap and jitter.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

// NextDelay returns the backoff delay before retry attempt n (1-indexed),
// with +/-20% jitter to avoid synchronized retries across callers.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultPolicy.BaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultPolicy.MaxDelay
	}

	delay := base << uint(attempt-1) //nolint:gosec // attempt is small and bounded by MaxRetries
	if delay <= 0 || delay > max {
		delay = max
	}

	jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2)) //nolint:gosec
	delay += jitter
	if delay < 0 {
		delay = base
	}
	return delay
}
