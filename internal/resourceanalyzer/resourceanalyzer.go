// Package resourceanalyzer periodically samples process and host resource
// usage via github.com/prometheus/procfs and detects memory leaks, high
// memory/CPU usage, low disk space, and thread leaks. Issue types and
// default thresholds are carried over from resource_analyzer.py; the
// periodic-collection loop mirrors gateway.go's StartDiscovery/
// runDiscovery ticker pattern.
package resourceanalyzer

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"

	"github.com/loom-ai/gateway/internal/logging"
)

// IssueType mirrors resource_analyzer.py's ResourceIssueType.
type IssueType string

const (
	IssueMemoryLeak     IssueType = "memory_leak"
	IssueHighMemory     IssueType = "high_memory"
	IssueHighCPU        IssueType = "high_cpu"
	IssueLowDisk        IssueType = "low_disk"
	IssueThreadLeak     IssueType = "thread_leak"
	IssueFileHandleLeak IssueType = "file_handle_leak"
)

// Severity is how urgently a detected Issue warrants operator attention.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a single detected resource problem.
type Issue struct {
	Type            IssueType
	Severity        Severity
	Description     string
	Recommendations []string
	DetectedAt      time.Time
}

// Config mirrors resource_analyzer.py's per-analyzer threshold config.
// Zero values fall back to DefaultConfig's values.
type Config struct {
	Interval               time.Duration
	MemoryLeakThresholdMB  float64 // MB/hour growth rate
	HighMemoryThresholdPct float64
	HighCPUThresholdPct    float64
	LowDiskThresholdPct    float64 // free space below this % triggers an issue
	ThreadLeakThreshold    int
	MonitoredPaths         []string
}

// DefaultConfig mirrors resource_analyzer.py's defaults.
var DefaultConfig = Config{
	Interval:               30 * time.Second,
	MemoryLeakThresholdMB:  10.0,
	HighMemoryThresholdPct: 80.0,
	HighCPUThresholdPct:    80.0,
	LowDiskThresholdPct:    10.0,
	ThreadLeakThreshold:    50,
	MonitoredPaths:         []string{"/"},
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig
	if cfg.Interval > 0 {
		d.Interval = cfg.Interval
	}
	if cfg.MemoryLeakThresholdMB > 0 {
		d.MemoryLeakThresholdMB = cfg.MemoryLeakThresholdMB
	}
	if cfg.HighMemoryThresholdPct > 0 {
		d.HighMemoryThresholdPct = cfg.HighMemoryThresholdPct
	}
	if cfg.HighCPUThresholdPct > 0 {
		d.HighCPUThresholdPct = cfg.HighCPUThresholdPct
	}
	if cfg.LowDiskThresholdPct > 0 {
		d.LowDiskThresholdPct = cfg.LowDiskThresholdPct
	}
	if cfg.ThreadLeakThreshold > 0 {
		d.ThreadLeakThreshold = cfg.ThreadLeakThreshold
	}
	if len(cfg.MonitoredPaths) > 0 {
		d.MonitoredPaths = cfg.MonitoredPaths
	}
	return d
}

// sample is one point-in-time reading.
type sample struct {
	at       time.Time
	memoryMB float64
	cpuTime  float64 // cumulative user+system CPU seconds at the time of sampling
	threads  int
}

// Reading is the most recent point-in-time measurement, exposed so callers
// (e.g. the gateway) can mirror it onto external metrics systems.
type Reading struct {
	MemoryMB   float64
	CPUPercent float64
	Threads    int
	At         time.Time
}

// Analyzer periodically samples the process via procfs and raises Issues
// through onIssue. Go has no direct equivalent of Python's objgraph/
// tracemalloc for heap introspection (resource_analyzer.py's original
// memory analyzer used those); sampling RSS growth rate via procfs and
// flagging a sustained climb is this gateway's Go-idiomatic stand-in,
// matching what resource_analyzer.py itself falls back to when those
// optional libraries are unavailable.
type Analyzer struct {
	cfg     Config
	fs      procfs.FS
	samples []sample

	mu   sync.Mutex
	last Reading

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnalyzer creates an Analyzer reading from /proc.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &Analyzer{cfg: withDefaults(cfg), fs: fs}, nil
}

// Start launches the background sampling loop, invoking onIssue for every
// detected Issue, until ctx is cancelled or Stop is called.
func (a *Analyzer) Start(ctx context.Context, onIssue func(Issue)) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.collectAndAnalyze(onIssue)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.collectAndAnalyze(onIssue)
			}
		}
	}()
}

// LastReading returns the most recent sampled Reading, or false if no
// sample has been taken yet.
func (a *Analyzer) LastReading() (Reading, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last.At.IsZero() {
		return Reading{}, false
	}
	return a.last, true
}

// Stop ends the background sampling loop started by Start.
func (a *Analyzer) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

func (a *Analyzer) collectAndAnalyze(onIssue func(Issue)) {
	proc, err := a.fs.Self()
	if err != nil {
		logging.Logger.Warn("resource analyzer: read /proc/self failed", "error", err)
		return
	}

	stat, err := proc.Stat()
	if err != nil {
		logging.Logger.Warn("resource analyzer: read process stat failed", "error", err)
		return
	}

	memInfo, err := a.fs.Meminfo()
	if err != nil {
		logging.Logger.Warn("resource analyzer: read meminfo failed", "error", err)
		return
	}

	rssBytes := float64(stat.ResidentMemory())
	rssMB := rssBytes / (1024 * 1024)

	var totalMB float64
	if memInfo.MemTotal != nil {
		totalMB = float64(*memInfo.MemTotal) / 1024
	}
	var usagePercent float64
	if totalMB > 0 {
		usagePercent = rssMB / totalMB * 100
	}

	now := time.Now()
	cpuTime := stat.CPUTime()
	var cpuPercent float64
	if len(a.samples) > 0 {
		prev := a.samples[len(a.samples)-1]
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			cpuPercent = (cpuTime - prev.cpuTime) / elapsed * 100
		}
	}

	s := sample{at: now, memoryMB: rssMB, cpuTime: cpuTime, threads: stat.NumThreads}
	a.samples = append(a.samples, s)
	if len(a.samples) > 10 {
		a.samples = a.samples[len(a.samples)-10:]
	}

	a.mu.Lock()
	a.last = Reading{MemoryMB: rssMB, CPUPercent: cpuPercent, Threads: stat.NumThreads, At: now}
	a.mu.Unlock()

	if issue := a.analyzeMemoryLeak(); issue != nil {
		onIssue(*issue)
	}
	if usagePercent > a.cfg.HighMemoryThresholdPct {
		onIssue(Issue{
			Type:            IssueHighMemory,
			Severity:        SeverityWarning,
			Description:     "memory usage exceeds threshold",
			Recommendations: []string{"profile heap allocations", "consider raising the process memory limit"},
			DetectedAt:      now,
		})
	}
	if cpuPercent > a.cfg.HighCPUThresholdPct {
		onIssue(Issue{
			Type:            IssueHighCPU,
			Severity:        SeverityWarning,
			Description:     "cpu usage exceeds threshold",
			Recommendations: []string{"profile hot code paths", "consider scaling out"},
			DetectedAt:      now,
		})
	}
	if issue := a.analyzeThreadLeak(stat.NumThreads, now); issue != nil {
		onIssue(*issue)
	}
	for _, path := range a.cfg.MonitoredPaths {
		if issue := a.analyzeDisk(path, now); issue != nil {
			onIssue(*issue)
		}
	}
}

// analyzeThreadLeak flags a thread leak when the current count is past the
// absolute threshold OR the rolling 10-sample window shows a monotonically
// increasing thread count — the same window analyzeMemoryLeak uses for
// trend detection, applied here to catch a slow leak before it crosses the
// absolute threshold.
func (a *Analyzer) analyzeThreadLeak(current int, now time.Time) *Issue {
	overThreshold := current > a.cfg.ThreadLeakThreshold
	monotonic := len(a.samples) >= 2 && threadsMonotonicallyIncreasing(a.samples)

	if !overThreshold && !monotonic {
		return nil
	}

	description := "thread count exceeds threshold"
	if !overThreshold {
		description = "thread count has increased on every sample in the last window"
	}
	return &Issue{
		Type:            IssueThreadLeak,
		Severity:        SeverityWarning,
		Description:     description,
		Recommendations: []string{"check for goroutines that are started but never exit", "review connection pool sizing"},
		DetectedAt:      now,
	}
}

func threadsMonotonicallyIncreasing(samples []sample) bool {
	for i := 1; i < len(samples); i++ {
		if samples[i].threads <= samples[i-1].threads {
			return false
		}
	}
	return true
}

// analyzeMemoryLeak computes a growth rate (MB/hour) over the rolling
// 10-sample window and flags it against MemoryLeakThresholdMB, matching
// resource_analyzer.py's analyze_memory_leak.
func (a *Analyzer) analyzeMemoryLeak() *Issue {
	if len(a.samples) < 2 {
		return nil
	}
	first := a.samples[0]
	last := a.samples[len(a.samples)-1]
	elapsedHours := last.at.Sub(first.at).Hours()
	if elapsedHours <= 0 {
		return nil
	}
	growthRate := (last.memoryMB - first.memoryMB) / elapsedHours
	if growthRate > a.cfg.MemoryLeakThresholdMB {
		return &Issue{
			Type:            IssueMemoryLeak,
			Severity:        SeverityCritical,
			Description:     "memory growth rate exceeds threshold",
			Recommendations: []string{"take a heap profile", "check for unbounded caches or retained request state"},
			DetectedAt:      last.at,
		}
	}
	return nil
}

func (a *Analyzer) analyzeDisk(path string, now time.Time) *Issue {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		logging.Logger.Warn("resource analyzer: statfs failed", "path", path, "error", err)
		return nil
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total == 0 {
		return nil
	}
	freePercent := free / total * 100
	if freePercent < a.cfg.LowDiskThresholdPct {
		return &Issue{
			Type:            IssueLowDisk,
			Severity:        SeverityCritical,
			Description:     "free disk space below threshold",
			Recommendations: []string{"clear temp/log files", "expand the volume", "rotate old benchmark/result files"},
			DetectedAt:      now,
		}
	}
	return nil
}
