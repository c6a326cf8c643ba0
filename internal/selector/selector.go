// Package selector chooses which provider should handle a request given a
// snapshot of candidate health/cost/latency/quality, generalizing
// internal/strategies into a pure decision function decoupled from
// execution: Choose never calls a provider, it only picks one.
package selector

import (
	"errors"
	"math/rand"
	"sort"
)

// Strategy is one of the four provider-selection strategies spec'd for the
// gateway.
type Strategy string

const (
	StrategyCost     Strategy = "cost"
	StrategySpeed    Strategy = "speed"
	StrategyQuality  Strategy = "quality"
	StrategyBalanced Strategy = "balanced"
)

// ErrNoHealthyProvider is returned when every eligible candidate is
// unhealthy or none matched the requested session class.
var ErrNoHealthyProvider = errors.New("selector: no healthy provider available")

// Candidate is one provider's current standing, as seen by the selector.
type Candidate struct {
	ProviderID     string
	CostPerRequest float64 // estimated USD for this request
	MeanLatencyMS  float64 // rolling mean latency, from internal/health.Registry
	QualityScore   float64 // 0-100, operator-configured per provider/model
	SuccessRate    float64 // 0-1, from internal/health.Registry (1 - ErrorRate)
	Healthy        bool    // from internal/health.Registry.Healthy
}

// Selector picks a provider from a candidate set using a configured
// strategy and optional session-class eligibility rules, generalizing
// internal/strategies.Conditional's rule-matching into an allow-list
// lookup instead of a single target rewrite.
type Selector struct {
	strategy       Strategy
	sessionClasses map[string][]string // class -> eligible provider IDs; empty/missing means all eligible
}

// New creates a Selector. An empty/unknown strategy falls back to
// StrategyBalanced.
func New(strategy Strategy, sessionClasses map[string][]string) *Selector {
	switch strategy {
	case StrategyCost, StrategySpeed, StrategyQuality, StrategyBalanced:
	default:
		strategy = StrategyBalanced
	}
	return &Selector{strategy: strategy, sessionClasses: sessionClasses}
}

// Choose returns the chosen provider ID from candidates, after filtering by
// sessionClass eligibility and health. For the cost, speed and quality
// strategies, ties on the primary score are broken deterministically by a
// documented secondary key (success rate for cost and speed, mean latency
// for quality), and only a true tie on both keys falls back to
// lexicographic provider-id order, so the same candidate set always yields
// the same pick. The balanced strategy picks by weighted random choice.
func (s *Selector) Choose(sessionClass string, candidates []Candidate) (string, error) {
	eligible := s.filterSessionClass(sessionClass, candidates)
	eligible = filterHealthy(eligible)
	if len(eligible) == 0 {
		return "", ErrNoHealthyProvider
	}

	switch s.strategy {
	case StrategyCost:
		return pickBy(eligible,
			func(c Candidate) float64 { return c.CostPerRequest }, true,
			func(c Candidate) float64 { return c.SuccessRate }, false,
		), nil
	case StrategySpeed:
		return pickBy(eligible,
			func(c Candidate) float64 { return c.MeanLatencyMS }, true,
			func(c Candidate) float64 { return c.SuccessRate }, false,
		), nil
	case StrategyQuality:
		return pickBy(eligible,
			func(c Candidate) float64 { return c.QualityScore }, false,
			func(c Candidate) float64 { return c.MeanLatencyMS }, true,
		), nil
	default: // balanced
		return s.chooseBalanced(eligible), nil
	}
}

func (s *Selector) filterSessionClass(sessionClass string, candidates []Candidate) []Candidate {
	if sessionClass == "" {
		return candidates
	}
	allowed, ok := s.sessionClasses[sessionClass]
	if !ok || len(allowed) == 0 {
		return candidates
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	var out []Candidate
	for _, c := range candidates {
		if allowedSet[c.ProviderID] {
			out = append(out, c)
		}
	}
	return out
}

func filterHealthy(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Healthy {
			out = append(out, c)
		}
	}
	return out
}

// pickBy sorts candidates by primary(c) (ascending if primaryLowerIsBetter,
// else descending), breaking exact ties on the primary score with
// secondary(c) (ascending if secondaryLowerIsBetter, else descending), and
// breaking any remaining exact tie on both scores by provider-id
// lexicographic order. The result is fully deterministic for a given
// candidate set: no randomness, no near-tie fuzzing.
func pickBy(candidates []Candidate, primary func(Candidate) float64, primaryLowerIsBetter bool, secondary func(Candidate) float64, secondaryLowerIsBetter bool) string {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		pa, pb := primary(a), primary(b)
		if pa != pb {
			if primaryLowerIsBetter {
				return pa < pb
			}
			return pa > pb
		}
		sa, sb := secondary(a), secondary(b)
		if sa != sb {
			if secondaryLowerIsBetter {
				return sa < sb
			}
			return sa > sb
		}
		return a.ProviderID < b.ProviderID
	})
	return sorted[0].ProviderID
}

// chooseBalanced combines cost, speed, and quality into a single composite
// score (lower cost and lower latency are better, higher quality is
// better) and selects via weighted random choice proportional to score,
// the same weighted-random idiom internal/strategies.LoadBalance uses for
// its targets.
func (s *Selector) chooseBalanced(candidates []Candidate) string {
	maxCost, maxLatency := 0.0, 0.0
	for _, c := range candidates {
		if c.CostPerRequest > maxCost {
			maxCost = c.CostPerRequest
		}
		if c.MeanLatencyMS > maxLatency {
			maxLatency = c.MeanLatencyMS
		}
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		costScore := 1.0
		if maxCost > 0 {
			costScore = 1 - c.CostPerRequest/maxCost
		}
		latencyScore := 1.0
		if maxLatency > 0 {
			latencyScore = 1 - c.MeanLatencyMS/maxLatency
		}
		qualityScore := c.QualityScore / 100
		w := costScore + latencyScore + qualityScore
		if w <= 0 {
			w = 0.01 // every candidate keeps some chance of being picked
		}
		weights[i] = w
		total += w
	}

	r := rand.Float64() * total //nolint:gosec
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return candidates[i].ProviderID
		}
	}
	return candidates[len(candidates)-1].ProviderID
}
