package loom

import (
	"context"
	"errors"
	"testing"

	"github.com/loom-ai/gateway/internal/costguard"
	"github.com/loom-ai/gateway/internal/selector"
	"github.com/loom-ai/gateway/providers"
)

// mockStreamProvider extends mockProvider with CompleteStream, for testing
// the Stream intelligent-fallback path.
type mockStreamProvider struct {
	mockProvider
	chunks []providers.StreamChunk
	err    error
}

func (m *mockStreamProvider) CompleteStream(_ context.Context, _ providers.Request) (<-chan providers.StreamChunk, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan providers.StreamChunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestGateway_Generate_Success(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{
		name:   "mock",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r1", Model: "gpt-4o", Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5}},
	})

	resp, err := gw.Generate(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "r1" || resp.Provider != "mock" {
		t.Errorf("got %+v, want ID=r1 Provider=mock", resp)
	}
}

func TestGateway_Generate_NoHealthyProviderForModel(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{name: "mock", models: []string{"gpt-4o"}})

	_, err := gw.Generate(context.Background(), providers.Request{
		Model:    "claude-3",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})

	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != ErrNoHealthyProvider {
		t.Fatalf("got %v, want ErrNoHealthyProvider", err)
	}
}

func TestGateway_Generate_FallsBackOnNonRetryableFailure(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{
		name:   "flaky",
		models: []string{"gpt-4o"},
		err:    errors.New("invalid request: bad parameter"),
	})
	gw.RegisterProvider(&mockProvider{
		name:   "solid",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r2", Model: "gpt-4o"},
	})

	resp, err := gw.Generate(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "solid" {
		t.Errorf("got provider %q, want solid", resp.Provider)
	}
}

func TestGateway_Generate_DegradedWhenAllProvidersFail(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{
		name:   "a",
		models: []string{"gpt-4o"},
		err:    errors.New("invalid request: bad parameter"),
	})
	gw.RegisterProvider(&mockProvider{
		name:   "b",
		models: []string{"gpt-4o"},
		err:    errors.New("invalid request: bad parameter"),
	})

	resp, err := gw.Generate(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})
	if err != nil {
		t.Fatalf("expected a degraded response, not an error: %v", err)
	}
	degraded, _ := resp.Meta["degraded"].(bool)
	if !degraded {
		t.Errorf("expected Meta[degraded]=true, got %+v", resp.Meta)
	}
	if resp.Choices[0].FinishReason != "degraded" {
		t.Errorf("got finish_reason %q, want degraded", resp.Choices[0].FinishReason)
	}
}

func TestGateway_Generate_BudgetExceededVetoesDispatch(t *testing.T) {
	gw, _ := New(Config{
		Budget: BudgetConfig{PerRequestLimit: 0.00000001},
	})
	gw.RegisterProvider(&mockProvider{
		name:   "mock",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r1", Model: "gpt-4o"},
	})

	_, err := gw.Generate(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "a reasonably long message to ensure a nonzero cost estimate"}},
	}, Policy{})

	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != ErrBudgetExceeded {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}
}

func TestGateway_Generate_PreferredProviderWinsOverStrategy(t *testing.T) {
	gw, _ := New(Config{Selection: SelectionConfig{Strategy: string(selector.StrategyCost)}})
	gw.RegisterProvider(&mockProvider{
		name:   "cheap",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "cheap-resp", Model: "gpt-4o"},
	})
	gw.RegisterProvider(&mockProvider{
		name:   "preferred",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "preferred-resp", Model: "gpt-4o"},
	})

	resp, err := gw.Generate(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{PreferredProvider: "preferred"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "preferred" {
		t.Errorf("got provider %q, want preferred despite cost strategy", resp.Provider)
	}
}

func TestGateway_GenerateFallbackOnly_UsesConfiguredOrder(t *testing.T) {
	gw, _ := New(Config{
		Targets: []Target{{VirtualKey: "first"}, {VirtualKey: "second"}},
	})
	gw.RegisterProvider(&mockProvider{
		name:   "first",
		models: []string{"gpt-4o"},
		err:    errors.New("requested model is unavailable on this account"),
	})
	gw.RegisterProvider(&mockProvider{
		name:   "second",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r2", Model: "gpt-4o"},
	})

	resp, err := gw.GenerateFallbackOnly(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "second" {
		t.Errorf("got provider %q, want second (configured fallback order)", resp.Provider)
	}
}

func TestGateway_GenerateBatch_PreservesOrderAndIsolatesErrors(t *testing.T) {
	gw, _ := New(Config{Budget: BudgetConfig{TotalBudget: 100, DailyLimit: 100, MonthlyLimit: 100, PerRequestLimit: 1}})
	gw.RegisterProvider(&mockProvider{
		name:   "mock",
		models: []string{"gpt-4o"},
		resp:   &providers.Response{ID: "r1", Model: "gpt-4o"},
	})

	requests := []providers.Request{
		{Model: "gpt-4o", Messages: []providers.Message{{Role: providers.RoleUser, Content: "one"}}},
		{Model: "unknown-model", Messages: []providers.Message{{Role: providers.RoleUser, Content: "two"}}},
		{Model: "gpt-4o", Messages: []providers.Message{{Role: providers.RoleUser, Content: "three"}}},
	}

	responses, errs := gw.GenerateBatch(context.Background(), requests, Policy{}, 2)
	if len(responses) != 3 || len(errs) != 3 {
		t.Fatalf("got %d responses / %d errs, want 3 of each", len(responses), len(errs))
	}
	if errs[0] != nil || responses[0].ID != "r1" {
		t.Errorf("item 0: got resp=%+v err=%v", responses[0], errs[0])
	}
	if errs[1] == nil {
		t.Error("item 1: expected an error for an unsupported model")
	}
	if errs[2] != nil || responses[2].ID != "r1" {
		t.Errorf("item 2: got resp=%+v err=%v", responses[2], errs[2])
	}
}

func TestGateway_Stream_Success(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockStreamProvider{
		mockProvider: mockProvider{name: "mock", models: []string{"gpt-4o"}},
		chunks: []providers.StreamChunk{
			{ID: "c1", Model: "gpt-4o"},
		},
	})

	ch, err := gw.Stream(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []providers.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("got %+v, want one chunk with ID=c1", got)
	}
}

func TestGateway_Stream_NonStreamingProviderRejected(t *testing.T) {
	gw, _ := New(Config{})
	gw.RegisterProvider(&mockProvider{name: "mock", models: []string{"gpt-4o"}})

	_, err := gw.Stream(context.Background(), providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	}, Policy{})

	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != ErrInvalidRequest {
		t.Fatalf("got %v, want ErrInvalidRequest for a non-streaming provider", err)
	}
}

func TestGuard_RecordUsage_FiresAlertOnWarningThreshold(t *testing.T) {
	guard := costguard.NewGuard(costguard.Limits{DailyLimit: 1.0}, costguard.NewPricing(0, 0), 0, nil)
	alert := guard.RecordUsage(costguard.Record{Provider: "mock", Model: "gpt-4o", Cost: 0.85})
	if alert == nil {
		t.Fatal("expected a warning alert once daily spend crosses 80% of the limit")
	}
	if alert.Level != costguard.LevelWarning {
		t.Errorf("got level %q, want warning", alert.Level)
	}
}
