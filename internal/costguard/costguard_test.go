package costguard

import (
	"strings"
	"testing"
	"time"
)

func TestEstimateTokenSplit(t *testing.T) {
	prompt, completion := EstimateTokenSplit(400)
	if prompt != 50 || completion != 50 {
		t.Fatalf("EstimateTokenSplit(400) = (%d, %d), want (50, 50)", prompt, completion)
	}
}

func TestCanMakePerRequestLimit(t *testing.T) {
	g := NewGuard(Limits{TotalBudget: 100, DailyLimit: 100, MonthlyLimit: 100, PerRequestLimit: 1.0}, NewPricing(0, 0), time.Hour, nil)

	ok, _ := g.CanMake(0.5)
	if !ok {
		t.Fatalf("expected request under per-request limit to proceed")
	}

	ok, reason := g.CanMake(2.0)
	if ok {
		t.Fatalf("expected request over per-request limit to be rejected")
	}
	if reason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestCanMakeRejectsWithChineseReason(t *testing.T) {
	g := NewGuard(Limits{PerRequestLimit: 0.01}, NewPricing(0, 0), time.Hour, nil)

	ok, reason := g.CanMake(0.5)
	if ok {
		t.Fatalf("expected budget veto for estimated cost far over per-request limit")
	}
	if !strings.Contains(reason, "超过单次请求限制") {
		t.Fatalf("reason = %q, want it to contain 超过单次请求限制", reason)
	}
}

func TestCanMakeZeroLimitVetoesAnyPositiveCost(t *testing.T) {
	g := NewGuard(Limits{}, NewPricing(0, 0), time.Hour, nil)

	ok, reason := g.CanMake(0.0001)
	if ok {
		t.Fatalf("expected a zero-valued (unset) limit to veto any positive-cost request, got accepted with reason %q", reason)
	}

	ok, _ = g.CanMake(0)
	if !ok {
		t.Fatalf("expected a zero-cost request to still pass a zero-valued limit")
	}
}

func TestRecordUsageTriggersExceededAlert(t *testing.T) {
	g := NewGuard(Limits{DailyLimit: 1.0}, NewPricing(0, 0), time.Hour, nil)

	var alert *Alert
	for i := 0; i < 3; i++ {
		if a := g.RecordUsage(Record{Provider: "openai", Model: "gpt-4o", Cost: 0.5, Tokens: 100}); a != nil {
			alert = a
		}
	}

	if alert == nil {
		t.Fatalf("expected an alert once daily spend exceeds the daily limit")
	}
	if alert.Level != LevelExceeded {
		t.Fatalf("alert level = %v, want %v", alert.Level, LevelExceeded)
	}
}

func TestRecordUsageCooldownSuppressesRepeatAlerts(t *testing.T) {
	g := NewGuard(Limits{DailyLimit: 0.1}, NewPricing(0, 0), time.Hour, nil)

	first := g.RecordUsage(Record{Provider: "openai", Model: "gpt-4o", Cost: 1.0, Tokens: 100})
	second := g.RecordUsage(Record{Provider: "openai", Model: "gpt-4o", Cost: 1.0, Tokens: 100})

	if first == nil {
		t.Fatalf("expected first over-limit record to alert")
	}
	if second != nil {
		t.Fatalf("expected cooldown to suppress the second alert within the same severity/hour bucket")
	}
}

func TestHistoryCappedAtMaxHistory(t *testing.T) {
	g := NewGuard(Limits{}, NewPricing(0, 0), time.Hour, nil)
	for i := 0; i < maxHistory+50; i++ {
		g.RecordUsage(Record{Provider: "openai", Model: "gpt-4o", Cost: 0.001, Tokens: 10})
	}
	if len(g.history) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(g.history), maxHistory)
	}
}

func TestSuggestionsFlagDominantProvider(t *testing.T) {
	g := NewGuard(Limits{}, NewPricing(0, 0), time.Hour, nil)
	for i := 0; i < 10; i++ {
		g.RecordUsage(Record{Provider: "openai", Model: "gpt-4o", Cost: 1.0, Tokens: 100})
	}
	g.RecordUsage(Record{Provider: "deepseek", Model: "deepseek-chat", Cost: 0.01, Tokens: 100})

	suggestions := g.Suggestions()
	if len(suggestions) == 0 {
		t.Fatalf("expected at least one suggestion when one provider dominates spend")
	}
}

func TestPricingFallsBackToDefault(t *testing.T) {
	p := NewPricing(0, 0)
	cost := p.Estimate("unknown-provider", "unknown-model", 1000, 1000)
	want := 0.0015 + 0.0020
	if cost < want*0.99 || cost > want*1.01 {
		t.Fatalf("Estimate fallback = %v, want ~%v", cost, want)
	}
}
