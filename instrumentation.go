package loom

import (
	"context"
	"fmt"
	"time"

	"github.com/loom-ai/gateway/internal/alerting"
	"github.com/loom-ai/gateway/internal/benchmark"
	"github.com/loom-ai/gateway/internal/costguard"
	"github.com/loom-ai/gateway/internal/metrics"
	"github.com/loom-ai/gateway/internal/metricstore"
	"github.com/loom-ai/gateway/internal/resourceanalyzer"
	"github.com/loom-ai/gateway/providers"
)

// registerBenchmarks adds the gateway's built-in benchmark functions to the
// process-wide benchmark registry, bound to this Gateway instance. Creating
// a second Gateway re-registers the same names against the newer instance,
// matching the single-process-per-gateway deployment model the rest of the
// package assumes.
func (g *Gateway) registerBenchmarks() {
	benchmark.Register("generate", func(ctx context.Context, params map[string]any) error {
		model, _ := params["model"].(string)
		if model == "" {
			return fmt.Errorf("benchmark \"generate\": params[\"model\"] is required")
		}
		prompt, _ := params["prompt"].(string)
		if prompt == "" {
			prompt = "benchmark probe"
		}
		_, err := g.Generate(ctx, providers.Request{
			Model:    model,
			Messages: []providers.Message{{Role: providers.RoleUser, Content: prompt}},
		}, Policy{})
		return err
	})
}

// RunBenchmark runs a registered benchmark (see internal/benchmark) and
// persists its result under the configured Benchmarks.ResultsDir.
func (g *Gateway) RunBenchmark(ctx context.Context, name string, cfg benchmark.Config) (*benchmark.Result, error) {
	if cfg.WarmupIterations == 0 {
		cfg.WarmupIterations = g.config.Benchmarks.WarmupIterations
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = g.config.Benchmarks.Iterations
	}
	return g.benchmarks.Run(ctx, name, cfg)
}

// RecentMetrics returns the most recently recorded benchmark/resource
// samples of the given kind ("resource", "resource_issue"), newest last.
func (g *Gateway) RecentMetrics(kind string) []metricstore.Metric {
	return g.metricsStore.ByKind(kind)
}

// BudgetStatus reports the current spend against total/daily/monthly/
// per-request limits, for read-only admin reporting.
func (g *Gateway) BudgetStatus() costguard.BudgetStatus {
	return g.cost.Status()
}

// CostSuggestions returns the cost guard's cost-optimization suggestions
// (dominant provider/model, cross-provider cost ratio).
func (g *Gateway) CostSuggestions() []costguard.Suggestion {
	return g.cost.Suggestions()
}

// AlertHistory returns retained alerts, optionally filtered to a single
// source ("" matches any), newest last.
func (g *Gateway) AlertHistory(source string) []alerting.Alert {
	return g.metricsStore.GetAlerts(source)
}

// MetricStats summarizes the metric store's current size and per-kind/
// per-name counts.
func (g *Gateway) MetricStats() metricstore.Stats {
	return g.metricsStore.Stats()
}

// StartResourceMonitoring launches the background resource analyzer if
// Config.ResourceAnalysis.Enabled is set. It runs until ctx is cancelled or
// Close is called. Calling it when monitoring is disabled is a no-op.
func (g *Gateway) StartResourceMonitoring(ctx context.Context) error {
	if !g.config.ResourceAnalysis.Enabled {
		return nil
	}

	ra := g.config.ResourceAnalysis
	interval, _ := time.ParseDuration(ra.Interval)
	analyzerCfg := resourceanalyzer.Config{
		Interval:               interval,
		MemoryLeakThresholdMB:  ra.MemoryLeakThresholdMB,
		HighMemoryThresholdPct: ra.HighMemoryThresholdPct,
		HighCPUThresholdPct:    ra.HighCPUThresholdPct,
		LowDiskThresholdPct:    ra.LowDiskThresholdPct,
		ThreadLeakThreshold:    ra.ThreadLeakThreshold,
		MonitoredPaths:         ra.MonitoredPaths,
	}

	analyzer, err := resourceanalyzer.NewAnalyzer(analyzerCfg)
	if err != nil {
		return fmt.Errorf("starting resource monitor: %w", err)
	}

	g.mu.Lock()
	g.resources = analyzer
	g.mu.Unlock()

	analyzer.Start(ctx, func(issue resourceanalyzer.Issue) {
		g.metricsStore.Record(metricstore.Metric{
			Name:      string(issue.Type),
			Kind:      "resource_issue",
			Value:     1,
			Timestamp: issue.DetectedAt,
		})
		g.fireAlert("resource-analyzer", alertSeverityFromIssue(issue.Severity), issue.Description)
	})

	go g.sampleResourceGauges(ctx, analyzer, analyzerCfg.Interval)
	return nil
}

// sampleResourceGauges polls the analyzer's latest reading onto the
// Prometheus gauges and into the metric store, independent of whether a
// threshold was crossed.
func (g *Gateway) sampleResourceGauges(ctx context.Context, analyzer *resourceanalyzer.Analyzer, interval time.Duration) {
	if interval <= 0 {
		interval = resourceanalyzer.DefaultConfig.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, ok := analyzer.LastReading()
			if !ok {
				continue
			}
			metrics.MemoryUsageBytes.Set(reading.MemoryMB * 1024 * 1024)
			metrics.CPUUsagePercent.Set(reading.CPUPercent)
			g.metricsStore.Record(metricstore.Metric{Name: "memory_mb", Kind: "resource", Value: reading.MemoryMB, Timestamp: reading.At})
			g.metricsStore.Record(metricstore.Metric{Name: "cpu_percent", Kind: "resource", Value: reading.CPUPercent, Timestamp: reading.At})
		}
	}
}

// alertSeverityFromIssue maps the resource analyzer's own severity
// (computed once, alongside its recommendations, where the issue is
// detected) onto the alert engine's delivery severity scale.
func alertSeverityFromIssue(s resourceanalyzer.Severity) alerting.Severity {
	if s == resourceanalyzer.SeverityCritical {
		return alerting.SeverityCritical
	}
	return alerting.SeverityWarning
}
