package schemaguard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loom-ai/gateway/plugin"
	"github.com/loom-ai/gateway/providers"
)

const personSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}, "age": {"type": "integer"}},
	"required": ["name", "age"]
}`

func requestWithSchema(schema string) *providers.Request {
	return &providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		ResponseFormat: &providers.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: json.RawMessage(schema),
		},
	}
}

func responseWithContent(content string) *providers.Response {
	return &providers.Response{
		ID:    "r1",
		Model: "gpt-4o",
		Choices: []providers.Choice{
			{Message: providers.Message{Role: "assistant", Content: content}},
		},
	}
}

func TestSchemaGuard_ValidResponsePasses(t *testing.T) {
	g := &SchemaGuard{}
	if err := g.Init(nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	pctx := plugin.NewContext(requestWithSchema(personSchema))
	pctx.Response = responseWithContent(`{"name": "ada", "age": 30}`)

	if err := g.Execute(context.Background(), pctx); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if pctx.Reject {
		t.Errorf("expected valid response to pass, got reject: %s", pctx.Reason)
	}
}

func TestSchemaGuard_MissingRequiredFieldRejected(t *testing.T) {
	g := &SchemaGuard{}
	if err := g.Init(nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	pctx := plugin.NewContext(requestWithSchema(personSchema))
	pctx.Response = responseWithContent(`{"name": "ada"}`)

	if err := g.Execute(context.Background(), pctx); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !pctx.Reject {
		t.Error("expected response missing required field to be rejected")
	}
}

func TestSchemaGuard_NonJSONSchemaRequestIsNoop(t *testing.T) {
	g := &SchemaGuard{}
	if err := g.Init(nil); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	req := &providers.Request{Model: "gpt-4o"}
	pctx := plugin.NewContext(req)
	pctx.Response = responseWithContent("not json at all")

	if err := g.Execute(context.Background(), pctx); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if pctx.Reject {
		t.Error("expected requests without a json_schema response_format to pass through")
	}
}

func TestSchemaGuard_StrictRejectsNonJSONContent(t *testing.T) {
	g := &SchemaGuard{}
	if err := g.Init(map[string]interface{}{"strict": true}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	pctx := plugin.NewContext(requestWithSchema(personSchema))
	pctx.Response = responseWithContent("not json at all")

	if err := g.Execute(context.Background(), pctx); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !pctx.Reject {
		t.Error("expected strict mode to reject non-JSON content")
	}
}
