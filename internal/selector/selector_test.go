package selector

import (
	"errors"
	"testing"
)

func candidates() []Candidate {
	return []Candidate{
		{ProviderID: "cheap", CostPerRequest: 0.001, MeanLatencyMS: 800, QualityScore: 60, Healthy: true},
		{ProviderID: "fast", CostPerRequest: 0.02, MeanLatencyMS: 100, QualityScore: 70, Healthy: true},
		{ProviderID: "best", CostPerRequest: 0.05, MeanLatencyMS: 400, QualityScore: 95, Healthy: true},
		{ProviderID: "down", CostPerRequest: 0.001, MeanLatencyMS: 50, QualityScore: 99, Healthy: false},
	}
}

func TestChooseCostPicksCheapest(t *testing.T) {
	s := New(StrategyCost, nil)
	id, err := s.Choose("", candidates())
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id != "cheap" {
		t.Fatalf("Choose(cost) = %q, want cheap", id)
	}
}

func TestChooseSpeedPicksFastest(t *testing.T) {
	s := New(StrategySpeed, nil)
	id, err := s.Choose("", candidates())
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id != "fast" {
		t.Fatalf("Choose(speed) = %q, want fast", id)
	}
}

func TestChooseQualityPicksBest(t *testing.T) {
	s := New(StrategyQuality, nil)
	id, err := s.Choose("", candidates())
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id != "best" {
		t.Fatalf("Choose(quality) = %q, want best", id)
	}
}

func TestChooseExcludesUnhealthy(t *testing.T) {
	s := New(StrategyCost, nil)
	id, err := s.Choose("", candidates())
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id == "down" {
		t.Fatalf("Choose selected an unhealthy provider")
	}
}

func TestChooseNoHealthyProviderErrors(t *testing.T) {
	s := New(StrategyCost, nil)
	_, err := s.Choose("", []Candidate{{ProviderID: "only", Healthy: false}})
	if !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected ErrNoHealthyProvider, got %v", err)
	}
}

func TestSessionClassFiltersEligibility(t *testing.T) {
	s := New(StrategyCost, map[string][]string{"batch": {"best"}})
	id, err := s.Choose("batch", candidates())
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id != "best" {
		t.Fatalf("Choose(sessionClass=batch) = %q, want best (the only eligible provider)", id)
	}
}

func TestChooseCostTieBrokenBySuccessRateThenProviderID(t *testing.T) {
	tied := []Candidate{
		{ProviderID: "b", CostPerRequest: 0.01, SuccessRate: 0.9, Healthy: true},
		{ProviderID: "a", CostPerRequest: 0.01, SuccessRate: 0.95, Healthy: true},
		{ProviderID: "c", CostPerRequest: 0.01, SuccessRate: 0.95, Healthy: true},
	}
	s := New(StrategyCost, nil)
	for i := 0; i < 5; i++ {
		id, err := s.Choose("", tied)
		if err != nil {
			t.Fatalf("Choose returned error: %v", err)
		}
		if id != "a" {
			t.Fatalf("Choose(cost) = %q, want deterministic pick \"a\" (highest success rate, then lexicographic)", id)
		}
	}
}

func TestChooseQualityTieBrokenByLatency(t *testing.T) {
	tied := []Candidate{
		{ProviderID: "slow", QualityScore: 90, MeanLatencyMS: 500, Healthy: true},
		{ProviderID: "fast", QualityScore: 90, MeanLatencyMS: 100, Healthy: true},
	}
	s := New(StrategyQuality, nil)
	id, err := s.Choose("", tied)
	if err != nil {
		t.Fatalf("Choose returned error: %v", err)
	}
	if id != "fast" {
		t.Fatalf("Choose(quality) = %q, want fast (lower latency breaks the quality tie)", id)
	}
}

func TestBalancedStaysWithinCandidateSet(t *testing.T) {
	s := New(StrategyBalanced, nil)
	cs := candidates()
	valid := map[string]bool{}
	for _, c := range cs {
		if c.Healthy {
			valid[c.ProviderID] = true
		}
	}
	for i := 0; i < 20; i++ {
		id, err := s.Choose("", cs)
		if err != nil {
			t.Fatalf("Choose returned error: %v", err)
		}
		if !valid[id] {
			t.Fatalf("Choose(balanced) returned %q, not among healthy candidates", id)
		}
	}
}
