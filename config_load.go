package loom

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/loom-ai/gateway/internal/logging"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	// Default to single strategy when mode is omitted to match runtime behavior.
	mode := cfg.Strategy.Mode
	if mode == "" {
		mode = ModeSingle
	}

	switch mode {
	case ModeSingle, ModeFallback, ModeLoadBalance, ModeConditional:
	default:
		return fmt.Errorf("unknown strategy mode: %q", cfg.Strategy.Mode)
	}

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	if mode == ModeConditional && len(cfg.Strategy.Conditions) == 0 {
		return fmt.Errorf("conditional strategy requires at least one condition")
	}

	if mode == ModeLoadBalance {
		var sum float64
		for _, t := range cfg.Targets {
			if t.Weight < 0 {
				return fmt.Errorf("target %q has negative weight", t.VirtualKey)
			}
			sum += t.Weight
		}
		if sum <= 0 {
			return fmt.Errorf("loadbalance strategy requires total weight > 0")
		}
	}

	switch cfg.Selection.Strategy {
	case "", "cost", "speed", "quality", "balanced":
	default:
		return fmt.Errorf("unknown selection strategy: %q", cfg.Selection.Strategy)
	}

	b := cfg.Budget
	if b.TotalBudget < 0 || b.DailyLimit < 0 || b.MonthlyLimit < 0 || b.PerRequestLimit < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}

	return nil
}

// WatchConfig watches path for changes and invokes onReload with the newly
// parsed and validated config whenever the file is written. It runs until
// Close is called on the returned watcher. Malformed reloads
// are logged and skipped; the previous config stays in effect.
func WatchConfig(path string, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logging.Logger.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				if err := ValidateConfig(*cfg); err != nil {
					logging.Logger.Warn("config reload rejected: invalid config", "path", path, "error", err)
					continue
				}
				logging.Logger.Info("config reloaded", "path", path)
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}
