// Package paramrewrite provides a transform plugin that rewrites request
// fields by JSON path before the request is dispatched to a provider.
// Register it with a blank import:
//
//	_ "github.com/loom-ai/gateway/internal/plugins/paramrewrite"
package paramrewrite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/loom-ai/gateway/plugin"
	"github.com/loom-ai/gateway/providers"
)

func init() {
	plugin.RegisterFactory("param-rewrite", func() plugin.Plugin {
		return &ParamRewrite{}
	})
}

// ParamRewrite is a transform plugin that applies operator-configured JSON
// path edits to outgoing requests: unconditional overrides, defaults applied
// only when the path is absent, and path deletions. It operates on the
// request's wire JSON via gjson/sjson rather than hand-walking the Request
// struct, so new paths (including nested ones like "response_format.type")
// work without code changes.
type ParamRewrite struct {
	overrides map[string]interface{}
	defaults  map[string]interface{}
	drop      []string
}

// Name returns the plugin identifier.
func (p *ParamRewrite) Name() string { return "param-rewrite" }

// Type returns the plugin lifecycle hook type.
func (p *ParamRewrite) Type() plugin.PluginType { return plugin.TypeTransform }

// Init configures the plugin from the provided options map. Expected shape:
//
//	overrides: {"temperature": 0.2, "user": "org-default"}
//	defaults:  {"max_tokens": 1024}
//	drop:      ["logit_bias", "tool_choice"]
func (p *ParamRewrite) Init(config map[string]interface{}) error {
	p.overrides = toStringMap(config["overrides"])
	p.defaults = toStringMap(config["defaults"])

	if v, ok := config["drop"]; ok {
		switch list := v.(type) {
		case []interface{}:
			for _, item := range list {
				if s, ok := item.(string); ok {
					p.drop = append(p.drop, s)
				}
			}
		case []string:
			p.drop = append(p.drop, list...)
		}
	}
	return nil
}

func toStringMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// Execute rewrites pctx.Request in place according to the configured edits.
func (p *ParamRewrite) Execute(_ context.Context, pctx *plugin.Context) error {
	if pctx.Request == nil || (len(p.overrides) == 0 && len(p.defaults) == 0 && len(p.drop) == 0) {
		return nil
	}

	raw, err := json.Marshal(pctx.Request)
	if err != nil {
		return fmt.Errorf("param-rewrite: marshal request: %w", err)
	}

	for path, val := range p.overrides {
		raw, err = sjson.SetBytes(raw, path, val)
		if err != nil {
			return fmt.Errorf("param-rewrite: set override %q: %w", path, err)
		}
	}
	for path, val := range p.defaults {
		if gjson.GetBytes(raw, path).Exists() {
			continue
		}
		raw, err = sjson.SetBytes(raw, path, val)
		if err != nil {
			return fmt.Errorf("param-rewrite: set default %q: %w", path, err)
		}
	}
	for _, path := range p.drop {
		raw, err = sjson.DeleteBytes(raw, path)
		if err != nil {
			return fmt.Errorf("param-rewrite: drop %q: %w", path, err)
		}
	}

	var rewritten providers.Request
	if err := json.Unmarshal(raw, &rewritten); err != nil {
		return fmt.Errorf("param-rewrite: unmarshal rewritten request: %w", err)
	}
	*pctx.Request = rewritten
	return nil
}
