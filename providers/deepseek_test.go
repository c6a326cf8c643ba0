package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewDeepSeek(t *testing.T) {
	p, err := NewDeepSeek("test-key", "")
	if err != nil {
		t.Fatalf("NewDeepSeek() error: %v", err)
	}
	if p.Name() != "deepseek" {
		t.Errorf("Name() = %q, want deepseek", p.Name())
	}
}

func TestDeepSeekProvider_SupportedModels(t *testing.T) {
	p, _ := NewDeepSeek("test-key", "")
	models := p.SupportedModels()
	if len(models) == 0 {
		t.Error("SupportedModels() returned empty")
	}
	found := false
	for _, m := range models {
		if m == "deepseek-chat" {
			found = true
		}
	}
	if !found {
		t.Error("deepseek-chat not found")
	}
}

func TestDeepSeekProvider_SupportsModel(t *testing.T) {
	p, _ := NewDeepSeek("test-key", "")
	if !p.SupportsModel("deepseek-chat") {
		t.Error("expected deepseek-chat to be supported")
	}
	if !p.SupportsModel("deepseek-reasoner") {
		t.Error("expected deepseek-reasoner to be supported")
	}
	if p.SupportsModel("gpt-4o") {
		t.Error("deepseek should not support gpt-4o")
	}
}

func TestDeepSeekProvider_Models(t *testing.T) {
	p, _ := NewDeepSeek("test-key", "")
	models := p.Models()
	for _, m := range models {
		if m.OwnedBy != "deepseek" {
			t.Errorf("ModelInfo.OwnedBy = %q, want deepseek", m.OwnedBy)
		}
	}
}

func TestDeepSeekProvider_CompleteStream_Interface(_ *testing.T) {
	p, _ := NewDeepSeek("test-key", "")
	var _ StreamProvider = p
}

func TestDeepSeekProvider_CompleteStream_MockSSE(t *testing.T) {
	sseData := "data: {\"id\":\"chatcmpl-1\",\"model\":\"deepseek-chat\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"},\"finish_reason\":\"\"}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"model\":\"deepseek-chat\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"},\"finish_reason\":\"\"}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"model\":\"deepseek-chat\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" there\"},\"finish_reason\":\"\"}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"model\":\"deepseek-chat\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseData))
	}))
	defer srv.Close()

	p, _ := NewDeepSeek("test-key", srv.URL)
	ch, err := p.CompleteStream(context.Background(), Request{
		Model:    "deepseek-chat",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream() error: %v", err)
	}

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Choices[0].Delta.Content != "Hello" {
		t.Errorf("delta content = %q, want Hello", chunks[1].Choices[0].Delta.Content)
	}
	if chunks[2].Choices[0].Delta.Content != " there" {
		t.Errorf("delta content = %q, want ' there'", chunks[2].Choices[0].Delta.Content)
	}
}

func TestDeepSeekProvider_Complete_ReasonerSendsThinkingEnabled(t *testing.T) {
	var captured struct {
		Thinking *struct {
			Type string `json:"type"`
		} `json:"thinking"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"deepseek-reasoner","choices":[{"index":0,"message":{"role":"assistant","content":"answer","reasoning_content":"because..."}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p, _ := NewDeepSeek("test-key", srv.URL)
	resp, err := p.Complete(context.Background(), Request{
		Model:    "deepseek-reasoner",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if captured.Thinking == nil || captured.Thinking.Type != "enabled" {
		t.Fatalf("expected thinking.type=enabled for deepseek-reasoner, got %+v", captured.Thinking)
	}
	if !strings.Contains(resp.Choices[0].Message.Content, "because...") {
		t.Errorf("content = %q, want it to include the reasoning_content", resp.Choices[0].Message.Content)
	}
	if !strings.Contains(resp.Choices[0].Message.Content, "answer") {
		t.Errorf("content = %q, want it to still include the final answer", resp.Choices[0].Message.Content)
	}
}

func TestDeepSeekProvider_Complete_ChatModelSendsThinkingDisabled(t *testing.T) {
	var captured struct {
		Thinking *struct {
			Type string `json:"type"`
		} `json:"thinking"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"deepseek-chat","choices":[{"index":0,"message":{"role":"assistant","content":"answer"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p, _ := NewDeepSeek("test-key", srv.URL)
	if _, err := p.Complete(context.Background(), Request{
		Model:    "deepseek-chat",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if captured.Thinking == nil || captured.Thinking.Type != "disabled" {
		t.Fatalf("expected thinking.type=disabled for deepseek-chat, got %+v", captured.Thinking)
	}
}

func TestDeepSeekProvider_Complete_Integration(t *testing.T) {
	apiKey := os.Getenv("DEEPSEEK_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping: DEEPSEEK_API_KEY not set")
	}

	p, _ := NewDeepSeek(apiKey, "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := p.Complete(ctx, Request{
		Model:     "deepseek-chat",
		Messages:  []Message{{Role: "user", Content: "Say 'test ok' and nothing else."}},
		MaxTokens: intPtr(10),
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.ID == "" {
		t.Error("Response ID is empty")
	}
	t.Logf("Response: %+v", resp)
}
