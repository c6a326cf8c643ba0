package loom

import (
	"context"
	"testing"

	"github.com/loom-ai/gateway/internal/benchmark"
	"github.com/loom-ai/gateway/providers"
)

func TestGateway_RunBenchmark_GenerateBenchmarkRequiresModel(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{name: "mock", models: []string{"gpt-4o"}})

	result, err := gw.RunBenchmark(context.Background(), "generate", benchmark.Config{Iterations: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != benchmark.StatusFailed {
		t.Errorf("got status %v, want failed (no model param supplied)", result.Status)
	}
}

func TestGateway_RunBenchmark_GenerateAgainstRegisteredProvider(t *testing.T) {
	gw, _ := New(Config{Budget: BudgetConfig{TotalBudget: 100, DailyLimit: 100, MonthlyLimit: 100, PerRequestLimit: 1}})
	gw.RegisterProvider(&mockProvider{
		name:   "mock",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r1", Model: "gpt-4o"},
	})

	result, err := gw.RunBenchmark(context.Background(), "generate", benchmark.Config{
		Iterations: 3,
		Parameters: map[string]any{"model": "gpt-4o"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != benchmark.StatusCompleted {
		t.Errorf("got status %v, want completed", result.Status)
	}
	if len(result.LatenciesMS) != 3 {
		t.Errorf("got %d latency samples, want 3", len(result.LatenciesMS))
	}
}

func TestGateway_StartResourceMonitoring_DisabledByDefault(t *testing.T) {
	gw, _ := New(Config{})
	if err := gw.StartResourceMonitoring(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gw.mu.RLock()
	resources := gw.resources
	gw.mu.RUnlock()
	if resources != nil {
		t.Error("expected no analyzer to be started when ResourceAnalysis.Enabled is false")
	}
}

func TestGateway_RecentMetrics_EmptyBeforeAnySample(t *testing.T) {
	gw, _ := New(Config{})
	if got := gw.RecentMetrics("resource"); len(got) != 0 {
		t.Errorf("got %d metrics, want 0 before any sample is recorded", len(got))
	}
}
