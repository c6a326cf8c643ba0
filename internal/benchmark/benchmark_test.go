package benchmark

import (
	"context"
	"errors"
	"testing"
)

func TestRunCompletedWhenNoErrors(t *testing.T) {
	Register("noop-ok", func(ctx context.Context, params map[string]any) error { return nil })

	h := NewHarness("")
	result, err := h.Run(context.Background(), "noop-ok", Config{WarmupIterations: 2, Iterations: 5})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v", result.Status, StatusCompleted)
	}
	if len(result.LatenciesMS) != 5 {
		t.Fatalf("len(LatenciesMS) = %d, want 5", len(result.LatenciesMS))
	}
}

func TestRunFailsOnMainPhaseError(t *testing.T) {
	Register("noop-fail", func(ctx context.Context, params map[string]any) error {
		return errors.New("boom")
	})

	h := NewHarness("")
	result, err := h.Run(context.Background(), "noop-fail", Config{Iterations: 3})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, StatusFailed)
	}
	if len(result.Errors) != 3 {
		t.Fatalf("len(Errors) = %d, want 3", len(result.Errors))
	}
}

func TestRunUnregisteredNameErrors(t *testing.T) {
	h := NewHarness("")
	if _, err := h.Run(context.Background(), "does-not-exist", Config{}); err == nil {
		t.Fatalf("expected error for unregistered benchmark name")
	}
}

func TestWarmupFailureDoesNotFailRun(t *testing.T) {
	calls := 0
	Register("warmup-fails-main-ok", func(ctx context.Context, params map[string]any) error {
		calls++
		if calls <= 2 {
			return errors.New("warmup hiccup")
		}
		return nil
	})

	h := NewHarness("")
	result, err := h.Run(context.Background(), "warmup-fails-main-ok", Config{WarmupIterations: 2, Iterations: 3})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v (warmup failures must not fail the run)", result.Status, StatusCompleted)
	}
}

func TestCompareRelativeLatency(t *testing.T) {
	a := &Result{Metrics: map[string][]float64{"latency_ms": {100, 100}}}
	b := &Result{Metrics: map[string][]float64{"latency_ms": {150, 150}}}
	cmp := Compare(a, b, 0)
	delta, ok := cmp.Deltas["latency_ms"]
	if !ok {
		t.Fatalf("expected a latency_ms delta in the comparison")
	}
	if delta.RelativePct < 49 || delta.RelativePct > 51 {
		t.Fatalf("RelativePct = %v, want ~50", delta.RelativePct)
	}
	if !cmp.Regressed {
		t.Fatalf("expected a 50%% latency increase to exceed the default 10%% regression threshold")
	}
}

func TestCompareNoRegressionBelowThreshold(t *testing.T) {
	a := &Result{Metrics: map[string][]float64{"latency_ms": {100, 100}}}
	b := &Result{Metrics: map[string][]float64{"latency_ms": {105, 105}}}
	cmp := Compare(a, b, 0)
	if cmp.Regressed {
		t.Fatalf("expected a 5%% latency increase to stay under the default 10%% regression threshold")
	}
}

func TestRunHonorsConcurrency(t *testing.T) {
	Register("concurrency-probe", func(ctx context.Context, params map[string]any) error { return nil })

	h := NewHarness("")
	result, err := h.Run(context.Background(), "concurrency-probe", Config{Iterations: 20, Concurrency: 4})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(result.LatenciesMS) != 20 {
		t.Fatalf("len(LatenciesMS) = %d, want 20", len(result.LatenciesMS))
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Status = %v, want %v", result.Status, StatusCompleted)
	}
}
