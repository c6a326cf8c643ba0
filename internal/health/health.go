// Package health tracks provider health: a severity-gated circuit breaker
// per provider plus rolling latency/error-rate buffers, with an optional
// background probe loop that exercises idle providers so a recovering
// provider is noticed before the next real request hits it.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loom-ai/gateway/internal/circuitbreaker"
	"github.com/loom-ai/gateway/internal/errkind"
	"github.com/loom-ai/gateway/internal/logging"
)

// BreakerConfig configures a single provider's breaker. Zero values fall
// back to circuitbreaker.New's defaults, except ResetTimeout which
// defaults to 60s here (the teacher's circuit breaker defaults to 30s;
// this gateway raises it since a probe-backed half-open trial, not just a
// live request, is what reopens the circuit).
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// Breaker wraps circuitbreaker.CircuitBreaker with two additions: failures
// only count toward the threshold when their errkind.Severity is High or
// Critical (a single timeout shouldn't trip a provider out of rotation),
// and only one half-open trial request is admitted at a time instead of
// letting every caller race to be the probe.
type Breaker struct {
	cb    *circuitbreaker.CircuitBreaker
	token chan struct{}
}

// NewBreaker constructs a Breaker with cfg's thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 60 * time.Second
	}
	token := make(chan struct{}, 1)
	token <- struct{}{}
	return &Breaker{
		cb:    circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, reset),
		token: token,
	}
}

// Allow reports whether a call should proceed. In the half-open state only
// one caller at a time is admitted; everyone else is rejected until that
// trial call resolves.
func (b *Breaker) Allow() bool {
	switch b.cb.State() {
	case circuitbreaker.StateClosed:
		return true
	case circuitbreaker.StateOpen:
		return false
	default: // half-open
		select {
		case <-b.token:
			return true
		default:
			return false
		}
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.cb.RecordSuccess()
	b.releaseToken()
}

// RecordFailure reports a failed call classified at severity sev. Only
// High/Critical severities count toward the failure threshold.
func (b *Breaker) RecordFailure(sev errkind.Severity) {
	if errkind.CountsTowardBreaker(sev) {
		b.cb.RecordFailure()
	}
	b.releaseToken()
}

func (b *Breaker) releaseToken() {
	select {
	case b.token <- struct{}{}:
	default:
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() circuitbreaker.State { return b.cb.State() }

const ringSize = 100

// ring is a fixed-size rolling buffer with wraparound, matching
// error_handler.py's "error rate based on the most recent 100 requests".
type ring struct {
	mu     sync.Mutex
	values [ringSize]float64
	count  int
	next   int
}

func (r *ring) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.next] = v
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

func (r *ring) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, r.count)
	copy(out, r.values[:r.count])
	return out
}

func (r *ring) p95() float64 {
	vals := r.snapshot()
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	idx := int(float64(len(vals)) * 0.95)
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

func (r *ring) mean() float64 {
	vals := r.snapshot()
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Snapshot is a point-in-time view of a provider's health.
type Snapshot struct {
	Provider      string
	State         circuitbreaker.State
	P95LatencyMS  float64
	ErrorRate     float64
	SampleCount   int
}

// Registry tracks one Breaker and one pair of rolling buffers per
// provider, and optionally runs a background probe loop.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	latencies map[string]*ring
	outcomes  map[string]*ring // 1.0 = success, 0.0 = failure
	cfg       BreakerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry using cfg as the default breaker
// configuration for providers seen for the first time.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		latencies: make(map[string]*ring),
		outcomes:  make(map[string]*ring),
		cfg:       cfg,
	}
}

// Guard returns the Breaker for provider, creating one on first use.
func (r *Registry) Guard(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[provider] = b
	r.latencies[provider] = &ring{}
	r.outcomes[provider] = &ring{}
	return b
}

// RecordOutcome classifies err (nil means success) and updates the
// provider's breaker, latency buffer, and outcome buffer in one call.
func (r *Registry) RecordOutcome(provider string, latency time.Duration, err error) {
	b := r.Guard(provider)

	r.mu.RLock()
	lat := r.latencies[provider]
	out := r.outcomes[provider]
	r.mu.RUnlock()

	lat.add(float64(latency.Milliseconds()))

	if err == nil {
		b.RecordSuccess()
		out.add(1)
		return
	}
	kind := errkind.Classify(err)
	b.RecordFailure(errkind.SeverityOf(kind))
	out.add(0)
}

// Snapshot returns the current health view for provider.
func (r *Registry) Snapshot(provider string) Snapshot {
	b := r.Guard(provider)

	r.mu.RLock()
	lat := r.latencies[provider]
	out := r.outcomes[provider]
	r.mu.RUnlock()

	vals := out.snapshot()
	var errRate float64
	if len(vals) > 0 {
		var failures float64
		for _, v := range vals {
			if v == 0 {
				failures++
			}
		}
		errRate = failures / float64(len(vals))
	}

	return Snapshot{
		Provider:     provider,
		State:        b.State(),
		P95LatencyMS: lat.p95(),
		ErrorRate:    errRate,
		SampleCount:  len(vals),
	}
}

// MeanLatencyMS returns the rolling mean latency for provider, used by the
// speed selector strategy.
func (r *Registry) MeanLatencyMS(provider string) float64 {
	r.mu.RLock()
	lat, ok := r.latencies[provider]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return lat.mean()
}

// Healthy reports whether provider's breaker currently admits requests.
func (r *Registry) Healthy(provider string) bool {
	return r.Guard(provider).Allow()
}

// StartProbing launches a background goroutine that, every interval, calls
// probe for each provider in providers whose breaker does not currently
// admit requests (healthy providers are skipped), recording the outcome. This mirrors
// the teacher's Gateway.StartDiscovery/runDiscovery ticker pattern, reused
// here to exercise otherwise-idle (especially open-circuit) providers with
// a cheap synthetic request so recovery is detected before the next real
// request routes to them. Call Stop to end the loop.
func (r *Registry) StartProbing(ctx context.Context, interval time.Duration, providers []string, probe func(ctx context.Context, provider string) error) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, p := range providers {
					if r.Healthy(p) {
						continue // only spend probes on breakers that need evidence to reopen
					}
					start := time.Now()
					err := probe(ctx, p)
					r.RecordOutcome(p, time.Since(start), err)
					if err != nil {
						logging.Logger.Debug("health probe failed", "provider", p, "error", err)
					} else {
						logging.Logger.Info("health probe succeeded, provider recovering", "provider", p)
					}
				}
			}
		}
	}()
}

// Stop ends the background probe loop started by StartProbing, if any.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
