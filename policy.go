package loom

import (
	"time"

	"github.com/loom-ai/gateway/internal/selector"
)

// Policy carries the per-request routing preferences a caller may attach to
// Generate/GenerateBatch/Stream, matching spec's `policy: {priority,
// session_class?, preferred_provider?, estimated_cost?}`.
type Policy struct {
	// Priority picks the selector strategy for this request only. Empty
	// falls back to the gateway's configured default (Selection.Strategy).
	Priority selector.Strategy
	// SessionClass pre-filters candidates to the providers configured as
	// eligible for this class (see Config.Selection.SessionClasses).
	SessionClass string
	// PreferredProvider wins over SessionClass/Priority scoring when it
	// names a healthy, model-capable candidate; otherwise selection falls
	// through to the normal strategy.
	PreferredProvider string
	// EstimatedCost overrides the gateway's own cost estimate for the
	// budget gate, when the caller already knows it (e.g. from a prior
	// tokenization pass).
	EstimatedCost float64
	// Deadline bounds the total time spent dispatching this request,
	// including retries/fallbacks. Zero means no deadline beyond whatever
	// the caller's own context already carries.
	Deadline time.Duration
}
