// Package costguard tracks per-request spend against total/daily/monthly/
// per-request budget limits, raises cooldown-gated alerts as usage crosses
// 80%/90%/100% of a limit, and surfaces cost-optimization suggestions. The
// accounting rules (estimation fallback, alert thresholds, cooldown
// bucketing, history cap, suggestion thresholds) are carried over from the
// original cost_optimizer.py rather than invented.
package costguard

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AlertLevel mirrors cost_optimizer.py's BudgetAlertLevel.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
	LevelExceeded AlertLevel = "exceeded"
)

// Limits mirrors cost_optimizer.py's BudgetLimit. A zero field is an active
// $0 limit: CanMake vetoes any positive-cost request against it. Zero-valued
// total/daily/monthly limits are skipped when computing alert levels.
type Limits struct {
	TotalBudget     float64
	DailyLimit      float64
	MonthlyLimit    float64
	PerRequestLimit float64
}

// Record is one priced request, kept in a capped rolling history.
type Record struct {
	Timestamp time.Time
	Provider  string
	Model     string
	Cost      float64
	Tokens    int
	RequestID string
}

// maxHistory mirrors cost_optimizer.py's `cost_history[-1000:]` cap.
const maxHistory = 1000

// BudgetStatus is returned by CheckLimits: which windows are over budget and
// the alert level that follows from the worst of them.
type BudgetStatus struct {
	AlertLevel     AlertLevel
	ExceededLimits []string
	Costs          map[string]float64
	UsageRates     map[string]float64
	Limits         Limits
}

// Alert is emitted when a budget check crosses a reportable threshold and a
// cooldown for that severity/hour has not already fired.
type Alert struct {
	Level     AlertLevel
	Message   string
	Status    BudgetStatus
	Timestamp time.Time
}

// Guard is the budget enforcement and cost-tracking engine for one gateway.
type Guard struct {
	mu      sync.Mutex
	limits  Limits
	history []Record
	pricing *Pricing

	cooldown   time.Duration
	alertsSent map[string]time.Time

	store Store
}

// Store optionally persists cost records beyond the in-memory history.
// internal/costguard.SQLStore implements this using the same dual-dialect
// SQL pattern as internal/requestlog.SQLWriter.
type Store interface {
	Write(rec Record) error
}

// NewGuard creates a Guard. cooldown defaults to one hour, matching
// cost_optimizer.py's per-(level, hour-bucket) alert gate.
func NewGuard(limits Limits, pricing *Pricing, cooldown time.Duration, store Store) *Guard {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Guard{
		limits:     limits,
		pricing:    pricing,
		cooldown:   cooldown,
		alertsSent: make(map[string]time.Time),
		store:      store,
	}
}

// SetLimits replaces the active budget limits, used when a config reload
// changes Budget without recreating the Guard (and losing its history).
func (g *Guard) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
}

// EstimateCost is a thin passthrough to the Guard's Pricing resolver, used
// by callers (the Gateway's candidate builder) that only hold a Guard.
func (g *Guard) EstimateCost(provider, model string, promptTokens, completionTokens int) float64 {
	return g.pricing.Estimate(provider, model, promptTokens, completionTokens)
}

// EstimateTokenSplit estimates prompt/completion token counts from raw
// content length when a provider doesn't report usage, using
// cost_optimizer.py's `len(content)//4` heuristic split evenly 50/50.
func EstimateTokenSplit(contentLen int) (promptTokens, completionTokens int) {
	total := contentLen / 4
	return total / 2, total - total/2
}

// CanMake checks estimatedCost against the per-request limit and the
// projected total/daily/monthly totals, mirroring cost_optimizer.py's
// can_make_request exactly down to its Chinese-language reason strings.
// It returns (false, reason) on the first limit that would be violated.
func (g *Guard) CanMake(estimatedCost float64) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := g.checkLimitsLocked()
	if len(status.ExceededLimits) > 0 {
		return false, fmt.Sprintf("预算限制已超出: %s", strings.Join(status.ExceededLimits, ", "))
	}

	if estimatedCost > g.limits.PerRequestLimit {
		return false, fmt.Sprintf("预估成本$%.4f超过单次请求限制$%.2f", estimatedCost, g.limits.PerRequestLimit)
	}

	if status.Costs["total"]+estimatedCost > g.limits.TotalBudget {
		return false, "预估成本将超出总预算"
	}
	if status.Costs["daily"]+estimatedCost > g.limits.DailyLimit {
		return false, "预估成本将超出每日限制"
	}
	if status.Costs["monthly"]+estimatedCost > g.limits.MonthlyLimit {
		return false, "预估成本将超出每月限制"
	}

	return true, "预算检查通过"
}

// Status returns the current budget status (costs, usage rates, and any
// already-exceeded limits) without recording a request, for read-only
// reporting (e.g. an admin dashboard).
func (g *Guard) Status() BudgetStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLimitsLocked()
}

// RecordUsage records a priced request, prunes history to maxHistory
// entries, persists to Store if configured, and returns an Alert if the
// resulting budget status crosses a reportable threshold and isn't on
// cooldown.
func (g *Guard) RecordUsage(rec Record) *Alert {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	g.mu.Lock()
	g.history = append(g.history, rec)
	if len(g.history) > maxHistory {
		g.history = g.history[len(g.history)-maxHistory:]
	}
	status := g.checkLimitsLocked()
	alert := g.maybeAlertLocked(status)
	g.mu.Unlock()

	if g.store != nil {
		_ = g.store.Write(rec) // persistence failures never block the request path
	}

	return alert
}

// checkLimitsLocked mirrors cost_optimizer.py's _check_budget_limits. Caller
// must hold g.mu.
func (g *Guard) checkLimitsLocked() BudgetStatus {
	now := time.Now()
	dayStart := now.Truncate(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var total, daily, monthly float64
	for _, r := range g.history {
		total += r.Cost
		if !r.Timestamp.Before(dayStart) {
			daily += r.Cost
		}
		if !r.Timestamp.Before(monthStart) {
			monthly += r.Cost
		}
	}

	costs := map[string]float64{"total": total, "daily": daily, "monthly": monthly}
	rates := map[string]float64{}
	var exceeded []string
	level := LevelInfo

	check := func(name string, cost, limit float64) {
		if limit <= 0 {
			return
		}
		rate := cost / limit
		rates[name] = rate
		switch {
		case rate >= 1.0:
			exceeded = append(exceeded, name)
			level = LevelExceeded
		case rate >= 0.9:
			if level != LevelExceeded {
				level = LevelCritical
			}
		case rate >= 0.8:
			if level != LevelExceeded && level != LevelCritical {
				level = LevelWarning
			}
		}
	}

	check("total", total, g.limits.TotalBudget)
	check("daily", daily, g.limits.DailyLimit)
	check("monthly", monthly, g.limits.MonthlyLimit)

	return BudgetStatus{
		AlertLevel:     level,
		ExceededLimits: exceeded,
		Costs:          costs,
		UsageRates:     rates,
		Limits:         g.limits,
	}
}

// maybeAlertLocked applies the cooldown gate and builds the alert message.
// Caller must hold g.mu.
func (g *Guard) maybeAlertLocked(status BudgetStatus) *Alert {
	if status.AlertLevel == LevelInfo {
		return nil
	}

	key := fmt.Sprintf("%s_%s", status.AlertLevel, time.Now().Format("2006010215"))
	if last, ok := g.alertsSent[key]; ok && time.Since(last) < g.cooldown {
		return nil
	}
	g.alertsSent[key] = time.Now()

	var msg string
	switch status.AlertLevel {
	case LevelExceeded:
		msg = fmt.Sprintf("budget limit(s) exceeded: %v", status.ExceededLimits)
	case LevelCritical:
		msg = fmt.Sprintf("budget usage critical: %.0f%% of limit reached", maxRate(status.UsageRates)*100)
	default:
		msg = fmt.Sprintf("budget usage warning: %.0f%% of limit reached", maxRate(status.UsageRates)*100)
	}

	return &Alert{Level: status.AlertLevel, Message: msg, Status: status, Timestamp: time.Now()}
}

func maxRate(rates map[string]float64) float64 {
	var max float64
	for _, r := range rates {
		if r > max {
			max = r
		}
	}
	return max
}

// Suggestion is one cost-optimization recommendation.
type Suggestion struct {
	Message string
}

// Suggestions mirrors cost_optimizer.py's get_optimization_suggestions:
// flags a single provider responsible for more than 50% of spend, a single
// model responsible for more than 30% of spend, and the cost ratio between
// the cheapest and most expensive provider observed.
func (g *Guard) Suggestions() []Suggestion {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.history) == 0 {
		return nil
	}

	byProvider := map[string]float64{}
	byModel := map[string]float64{}
	var total float64
	for _, r := range g.history {
		byProvider[r.Provider] += r.Cost
		byModel[r.Model] += r.Cost
		total += r.Cost
	}
	if total == 0 {
		return nil
	}

	var out []Suggestion
	for provider, cost := range byProvider {
		if cost/total > 0.5 {
			out = append(out, Suggestion{Message: fmt.Sprintf("provider %q accounts for over 50%% of cost", provider)})
		}
	}
	for model, cost := range byModel {
		if cost/total > 0.3 {
			out = append(out, Suggestion{Message: fmt.Sprintf("model %q accounts for over 30%% of cost", model)})
		}
	}

	if len(byProvider) >= 2 {
		type pc struct {
			name string
			avg  float64
		}
		var avgs []pc
		counts := map[string]int{}
		for _, r := range g.history {
			counts[r.Provider]++
		}
		for provider, cost := range byProvider {
			avgs = append(avgs, pc{provider, cost / float64(counts[provider])})
		}
		maxPC, minPC := avgs[0], avgs[0]
		for _, a := range avgs {
			if a.avg > maxPC.avg {
				maxPC = a
			}
			if a.avg < minPC.avg {
				minPC = a
			}
		}
		if minPC.avg > 0 && maxPC.name != minPC.name {
			ratio := maxPC.avg / minPC.avg
			out = append(out, Suggestion{Message: fmt.Sprintf(
				"%s's average cost is %.1fx %s's — consider shifting more traffic to %s",
				maxPC.name, ratio, minPC.name, minPC.name)})
		}
	}

	return out
}
