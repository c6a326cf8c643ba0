// Package schemaguard provides a guardrail plugin that validates a model's
// structured-output response against the JSON schema the caller requested
// via response_format.json_schema. Register it with a blank import and
// attach it at the after_request stage:
//
//	_ "github.com/loom-ai/gateway/internal/plugins/schemaguard"
package schemaguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loom-ai/gateway/plugin"
	"github.com/loom-ai/gateway/providers"
)

func init() {
	plugin.RegisterFactory("schema-guard", func() plugin.Plugin {
		return &SchemaGuard{cache: make(map[string]*jsonschema.Schema)}
	})
}

// SchemaGuard rejects a response whose first choice message content does not
// validate against the json_schema the request asked for. It is a no-op for
// requests that didn't set response_format.type == "json_schema".
type SchemaGuard struct {
	strict bool
	cache  map[string]*jsonschema.Schema
}

// Name returns the plugin identifier.
func (s *SchemaGuard) Name() string { return "schema-guard" }

// Type returns the plugin lifecycle hook type.
func (s *SchemaGuard) Type() plugin.PluginType { return plugin.TypeGuardrail }

// Init configures the plugin. When "strict" is true, a response whose
// content isn't even valid JSON is also rejected; otherwise non-JSON content
// is left to pass through untouched (not every provider honors the schema).
func (s *SchemaGuard) Init(config map[string]interface{}) error {
	if s.cache == nil {
		s.cache = make(map[string]*jsonschema.Schema)
	}
	if v, ok := config["strict"].(bool); ok {
		s.strict = v
	}
	return nil
}

// Execute validates pctx.Response against the schema named in pctx.Request.
func (s *SchemaGuard) Execute(_ context.Context, pctx *plugin.Context) error {
	if pctx.Request == nil || pctx.Response == nil {
		return nil
	}
	schemaBytes := requestedSchema(pctx.Request)
	if len(schemaBytes) == 0 {
		return nil
	}
	if len(pctx.Response.Choices) == 0 {
		return nil
	}

	compiled, err := s.compile(schemaBytes)
	if err != nil {
		return fmt.Errorf("schema-guard: compiling schema: %w", err)
	}

	content := pctx.Response.Choices[0].Message.Content
	var doc interface{}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		if s.strict {
			pctx.Reject = true
			pctx.Reason = "response content is not valid JSON"
		}
		return nil
	}

	if err := compiled.Validate(doc); err != nil {
		pctx.Reject = true
		pctx.Reason = fmt.Sprintf("response does not satisfy json_schema: %v", err)
	}
	return nil
}

func requestedSchema(req *providers.Request) json.RawMessage {
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" {
		return nil
	}
	return req.ResponseFormat.JSONSchema
}

// compile caches compiled schemas by their source bytes so repeated requests
// using the same response_format don't pay recompilation cost.
func (s *SchemaGuard) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "schemaguard.json"
	if err := compiler.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, err
	}
	s.cache[key] = compiled
	return compiled, nil
}
