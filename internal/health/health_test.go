package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loom-ai/gateway/internal/circuitbreaker"
)

func TestBreakerSeverityGating(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	// Medium-severity failures (e.g. a timeout) never count toward the threshold.
	for i := 0; i < 10; i++ {
		b.RecordFailure("medium")
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Fatalf("breaker opened on medium-severity failures, want it to stay closed")
	}

	b.RecordFailure("high")
	b.RecordFailure("high")
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after two high-severity failures", b.State())
	}
}

func TestBreakerHalfOpenSingleToken(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond})
	b.RecordFailure("critical")
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(10 * time.Millisecond)
	if b.State() != circuitbreaker.StateHalfOpen {
		t.Fatalf("expected half_open state after timeout")
	}

	if !b.Allow() {
		t.Fatalf("first caller in half_open should be admitted")
	}
	if b.Allow() {
		t.Fatalf("second concurrent caller in half_open should be rejected")
	}
}

func TestRegistryRecordOutcomeAndSnapshot(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 5})

	r.RecordOutcome("openai", 50*time.Millisecond, nil)
	r.RecordOutcome("openai", 60*time.Millisecond, nil)
	r.RecordOutcome("openai", 200*time.Millisecond, errors.New("429 too many requests"))

	snap := r.Snapshot("openai")
	if snap.SampleCount != 3 {
		t.Fatalf("SampleCount = %d, want 3", snap.SampleCount)
	}
	if snap.ErrorRate <= 0 {
		t.Fatalf("ErrorRate = %v, want > 0 after one failure", snap.ErrorRate)
	}
	if snap.P95LatencyMS <= 0 {
		t.Fatalf("P95LatencyMS = %v, want > 0", snap.P95LatencyMS)
	}
}

func TestRegistryStartProbingSkipsHealthyProviders(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond})
	r.Guard("healthy")
	r.Guard("broken")
	r.RecordOutcome("broken", time.Millisecond, errors.New("500 internal error"))

	var probed []string
	ctx, cancel := context.WithCancel(context.Background())
	r.StartProbing(ctx, 5*time.Millisecond, []string{"healthy", "broken"}, func(_ context.Context, provider string) error {
		probed = append(probed, provider)
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	cancel()
	r.Stop()

	for _, p := range probed {
		if p == "healthy" {
			t.Fatalf("probe loop should skip providers whose breaker already allows requests")
		}
	}
}
