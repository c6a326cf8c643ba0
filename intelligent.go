package loom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loom-ai/gateway/internal/alerting"
	"github.com/loom-ai/gateway/internal/costguard"
	"github.com/loom-ai/gateway/internal/errkind"
	"github.com/loom-ai/gateway/internal/logging"
	"github.com/loom-ai/gateway/internal/metrics"
	"github.com/loom-ai/gateway/internal/selector"
	"github.com/loom-ai/gateway/models"
	"github.com/loom-ai/gateway/plugin"
	"github.com/loom-ai/gateway/providers"
)

// Generate is the gateway's intelligent-fallback entry point: a budget
// gate, policy-scored provider selection against the live health registry,
// health-gated dispatch with same-provider retry, and fallback to the next
// candidate on a non-retryable or retry-exhausted failure. When every
// candidate is exhausted it returns a degraded response instead of an
// error; a degraded response is never charged to the cost guard.
func (g *Gateway) Generate(ctx context.Context, req providers.Request, policy Policy) (*providers.Response, error) {
	start := time.Now()
	log := logging.FromContext(ctx)
	requestID := logging.TraceIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		return nil, newError(ErrInvalidRequest, "", requestID, err)
	}
	req = g.resolveAlias(req)

	pctx := plugin.NewContext(&req)
	if g.plugins.HasPlugins() {
		if err := g.plugins.RunBefore(ctx, pctx); err != nil {
			metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
			return nil, newError(ErrInvalidRequest, "", requestID, err)
		}
	}
	req = *pctx.Request

	if policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Deadline)
		defer cancel()
	}

	promptTokens, completionTokens := costguard.EstimateTokenSplit(requestContentLen(req))

	estCost := policy.EstimatedCost
	if estCost == 0 {
		estCost = g.cost.EstimateCost("", req.Model, promptTokens, completionTokens)
	}
	if allowed, reason := g.cost.CanMake(estCost); !allowed {
		metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
		g.fireAlert("budget", alerting.SeverityCritical, reason)
		return nil, newError(ErrBudgetExceeded, "", requestID, errors.New(reason))
	}

	tried := make(map[string]bool)
	var lastErr error
	for {
		candidates := g.buildCandidates(req.Model, promptTokens, completionTokens, tried)
		if len(candidates) == 0 {
			if len(tried) == 0 {
				metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
				return nil, newError(ErrNoHealthyProvider, "", requestID, fmt.Errorf("no registered provider supports model %q", req.Model))
			}
			log.Warn("all candidate providers exhausted, returning degraded response",
				"model", req.Model, "tried", len(tried), "last_error", errString(lastErr))
			metrics.RequestsTotal.WithLabelValues("", req.Model, "degraded").Inc()
			return degradedResponse(req, requestID, lastErr), nil
		}

		providerID, err := g.chooseProvider(policy, candidates)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues("", req.Model, "error").Inc()
			return nil, newError(ErrNoHealthyProvider, "", requestID, err)
		}

		resp, dispatchErr := g.dispatchWithRetry(ctx, providerID, req, requestID)
		if dispatchErr == nil {
			latency := time.Since(start)
			g.chargeAndObserve(resp, req, latency, requestID)
			g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
				"trace_id":   requestID,
				"provider":   resp.Provider,
				"model":      resp.Model,
				"status":     200,
				"latency_ms": latency.Milliseconds(),
				"timestamp":  time.Now(),
			})
			log.Info("generate completed", "provider", resp.Provider, "model", resp.Model, "latency_ms", latency.Milliseconds())
			return resp, nil
		}

		if ctxErr, ok := dispatchErr.(*Error); ok && ctxErr.Kind == ErrCancelled {
			return nil, dispatchErr
		}

		lastErr = dispatchErr
		tried[providerID] = true
		log.Warn("provider failed, falling back", "provider", providerID, "error", dispatchErr.Error())
		g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
			"trace_id": requestID, "provider": providerID, "model": req.Model,
			"error": dispatchErr.Error(), "timestamp": time.Now(),
		})
	}
}

// GenerateFallbackOnly dispatches along the operator-configured
// fallback_order (Config.Targets, in declared order) without selector
// scoring, mirroring the Python source's generate_with_fallback alongside
// Generate's generate_with_intelligent_fallback. It still enforces the
// budget gate and health/circuit gating; it just never consults the
// selector to rank candidates.
func (g *Gateway) GenerateFallbackOnly(ctx context.Context, req providers.Request, policy Policy) (*providers.Response, error) {
	start := time.Now()
	log := logging.FromContext(ctx)
	requestID := logging.TraceIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if err := req.Validate(); err != nil {
		return nil, newError(ErrInvalidRequest, "", requestID, err)
	}
	req = g.resolveAlias(req)

	if policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Deadline)
		defer cancel()
	}

	promptTokens, completionTokens := costguard.EstimateTokenSplit(requestContentLen(req))
	estCost := policy.EstimatedCost
	if estCost == 0 {
		estCost = g.cost.EstimateCost("", req.Model, promptTokens, completionTokens)
	}
	if allowed, reason := g.cost.CanMake(estCost); !allowed {
		return nil, newError(ErrBudgetExceeded, "", requestID, errors.New(reason))
	}

	g.mu.RLock()
	order := make([]string, 0, len(g.config.Targets))
	for _, t := range g.config.Targets {
		order = append(order, t.VirtualKey)
	}
	g.mu.RUnlock()

	var lastErr error
	var tried int
	for _, providerID := range order {
		g.mu.RLock()
		_, ok := g.providers[providerID]
		g.mu.RUnlock()
		if !ok || !g.health.Healthy(providerID) {
			continue
		}

		tried++
		resp, err := g.dispatchWithRetry(ctx, providerID, req, requestID)
		if err == nil {
			latency := time.Since(start)
			g.chargeAndObserve(resp, req, latency, requestID)
			return resp, nil
		}
		if ctxErr, ok := err.(*Error); ok && ctxErr.Kind == ErrCancelled {
			return nil, err
		}
		lastErr = err
	}

	if tried == 0 {
		return nil, newError(ErrNoHealthyProvider, "", requestID, fmt.Errorf("no healthy provider in fallback_order for model %q", req.Model))
	}
	log.Warn("fallback_order exhausted, returning degraded response", "model", req.Model)
	return degradedResponse(req, requestID, lastErr), nil
}

// batchDefaultConcurrency bounds GenerateBatch's worker pool when the
// caller doesn't specify one, avoiding unbounded fan-out against upstream
// providers.
const batchDefaultConcurrency = 8

// GenerateBatch runs requests through Generate with the same guarantees as
// a single call, bounded to at most concurrency in-flight calls at once
// (0 uses batchDefaultConcurrency). Results are returned in the same order
// as requests; a failed item's slot holds its error, not a zero Response.
func (g *Gateway) GenerateBatch(ctx context.Context, requests []providers.Request, policy Policy, concurrency int) ([]*providers.Response, []error) {
	if concurrency <= 0 {
		concurrency = batchDefaultConcurrency
	}

	responses := make([]*providers.Response, len(requests))
	errs := make([]error, len(requests))

	sem := make(chan struct{}, concurrency)
	done := make(chan struct{})
	resultCh := make(chan int, len(requests))

	for i, req := range requests {
		go func(i int, req providers.Request) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = newError(ErrCancelled, "", "", ctx.Err())
				resultCh <- i
				return
			}
			defer func() { <-sem }()

			resp, err := g.Generate(ctx, req, policy)
			responses[i] = resp
			errs[i] = err
			resultCh <- i
		}(i, req)
	}

	go func() {
		for range requests {
			<-resultCh
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Leave in-flight goroutines to finish filling their own slots; the
		// caller already has ctx's cancellation signal and results so far.
	}

	return responses, errs
}

// Stream is the intelligent-fallback counterpart to RouteStream: it scores
// candidates with the selector/health registry exactly like Generate, then
// hands the winning StreamProvider off for incremental delivery. Unlike
// Generate it does not retry mid-stream (a partially-delivered stream
// can't be safely replayed), so a failure here surfaces directly rather
// than falling back to the next candidate.
func (g *Gateway) Stream(ctx context.Context, req providers.Request, policy Policy) (<-chan providers.StreamChunk, error) {
	log := logging.FromContext(ctx)
	req = g.resolveAlias(req)

	pctx := plugin.NewContext(&req)
	if g.plugins.HasPlugins() {
		if err := g.plugins.RunBefore(ctx, pctx); err != nil {
			return nil, newError(ErrInvalidRequest, "", "", err)
		}
	}
	req = *pctx.Request

	promptTokens, completionTokens := costguard.EstimateTokenSplit(requestContentLen(req))
	candidates := g.buildCandidates(req.Model, promptTokens, completionTokens, nil)
	if len(candidates) == 0 {
		return nil, newError(ErrNoHealthyProvider, "", "", fmt.Errorf("no registered provider supports model %q", req.Model))
	}

	providerID, err := g.chooseProvider(policy, candidates)
	if err != nil {
		return nil, newError(ErrNoHealthyProvider, "", "", err)
	}

	g.mu.RLock()
	p, ok := g.providers[providerID]
	g.mu.RUnlock()
	if !ok {
		return nil, newError(ErrInternal, providerID, "", fmt.Errorf("provider %s not registered", providerID))
	}
	sp, ok := p.(providers.StreamProvider)
	if !ok {
		return nil, newError(ErrInvalidRequest, providerID, "", fmt.Errorf("provider %s does not support streaming", providerID))
	}

	breaker := g.health.Guard(providerID)
	if !breaker.Allow() {
		return nil, newError(ErrNoHealthyProvider, providerID, "", circuitOpenErr(providerID))
	}

	start := time.Now()
	ch, err := sp.CompleteStream(ctx, req)
	if err != nil {
		g.health.RecordOutcome(providerID, time.Since(start), err)
		return nil, newError(ErrInternal, providerID, "", err)
	}
	g.health.RecordOutcome(providerID, time.Since(start), nil)

	log.Info("stream request started", "provider", providerID, "model", req.Model)
	return ch, nil
}

// StartHealthProbing starts the background health-probe loop over every
// currently-registered provider, issuing a minimal synthetic completion to
// detect recovery before a real request routes to a degraded provider.
func (g *Gateway) StartHealthProbing(ctx context.Context, interval time.Duration) {
	g.mu.RLock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	g.mu.RUnlock()

	g.health.StartProbing(ctx, interval, names, func(ctx context.Context, name string) error {
		g.mu.RLock()
		p, ok := g.providers[name]
		g.mu.RUnlock()
		if !ok {
			return fmt.Errorf("provider %s not registered", name)
		}
		probe := providers.Request{
			Model:     firstModel(p),
			Messages:  []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
			MaxTokens: intPtr(1),
		}
		if probe.Model == "" {
			return fmt.Errorf("provider %s has no models to probe", name)
		}
		_, err := p.Complete(ctx, probe)
		return err
	})
}

func firstModel(p providers.Provider) string {
	infos := p.Models()
	if len(infos) == 0 {
		return ""
	}
	return infos[0].ID
}

func intPtr(v int) *int { return &v }

// buildCandidates assembles a selector.Candidate per registered provider
// that supports model and isn't in exclude, pricing the request with the
// already-computed token split and pulling live health stats from the
// registry.
func (g *Gateway) buildCandidates(model string, promptTokens, completionTokens int, exclude map[string]bool) []selector.Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []selector.Candidate
	for name, p := range g.providers {
		if exclude[name] || !p.SupportsModel(model) {
			continue
		}
		snap := g.health.Snapshot(name)
		out = append(out, selector.Candidate{
			ProviderID:     name,
			CostPerRequest: g.cost.EstimateCost(name, model, promptTokens, completionTokens),
			MeanLatencyMS:  g.health.MeanLatencyMS(name),
			QualityScore:   (1 - snap.ErrorRate) * 100,
			SuccessRate:    1 - snap.ErrorRate,
			Healthy:        g.health.Healthy(name),
		})
	}
	return out
}

// chooseProvider applies preferred_provider precedence over the selector:
// a healthy preferred provider always wins; otherwise selection falls
// through to the gateway's (or policy-overridden) selector strategy. This
// resolves spec's preferred_provider/session_class precedence ambiguity in
// favor of preferred_provider, as the source text suggests.
func (g *Gateway) chooseProvider(policy Policy, candidates []selector.Candidate) (string, error) {
	if policy.PreferredProvider != "" {
		for _, c := range candidates {
			if c.ProviderID == policy.PreferredProvider && c.Healthy {
				return c.ProviderID, nil
			}
		}
	}

	sel := g.selector
	if policy.Priority != "" {
		g.mu.RLock()
		sessionClasses := g.config.Selection.SessionClasses
		g.mu.RUnlock()
		sel = selector.New(policy.Priority, sessionClasses)
	}
	return sel.Choose(policy.SessionClass, candidates)
}

// dispatchWithRetry calls provider providerID, retrying the same provider
// while errkind classifies the failure as retryable and the retry budget
// remains, per spec.md §4.1 step 5. A breaker rejection or context
// cancellation stops the retry loop immediately.
func (g *Gateway) dispatchWithRetry(ctx context.Context, providerID string, req providers.Request, requestID string) (*providers.Response, error) {
	g.mu.RLock()
	p, ok := g.providers[providerID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", providerID)
	}

	breaker := g.health.Guard(providerID)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, newError(ErrCancelled, providerID, requestID, ctx.Err())
		}
		if !breaker.Allow() {
			return nil, circuitOpenErr(providerID)
		}

		start := time.Now()
		resp, err := p.Complete(ctx, req)
		g.health.RecordOutcome(providerID, time.Since(start), err)

		if err == nil {
			resp.Provider = providerID
			return resp, nil
		}

		kind := errkind.Classify(err)
		metrics.ProviderErrors.WithLabelValues(providerID, string(kind)).Inc()

		if !errkind.Retryable(kind) || attempt > g.retryPolicy.MaxRetries {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, newError(ErrCancelled, providerID, requestID, ctx.Err())
		case <-time.After(g.retryPolicy.NextDelay(attempt)):
		}
	}
}

// chargeAndObserve records cost/metrics for a successful dispatch: exactly
// one billed call per successful Generate, per spec.md §4.1's guarantee.
func (g *Gateway) chargeAndObserve(resp *providers.Response, req providers.Request, latency time.Duration, requestID string) {
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

	metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(latency.Seconds())
	metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
	metrics.TokensInput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.CompletionTokens))
	metrics.TokensTotal.WithLabelValues(resp.Provider, resp.Model, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(resp.Provider, resp.Model, "output").Add(float64(resp.Usage.CompletionTokens))

	g.mu.RLock()
	catalog := g.catalog
	g.mu.RUnlock()
	cost := models.Calculate(catalog, resp.Provider+"/"+resp.Model, models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens:  resp.Usage.ReasoningTokens,
		CacheReadTokens:  resp.Usage.CacheReadTokens,
		CacheWriteTokens: resp.Usage.CacheWriteTokens,
	})
	if cost.TotalUSD > 0 {
		metrics.RequestCostUSD.WithLabelValues(resp.Provider, resp.Model).Add(cost.TotalUSD)
		metrics.CostTotal.WithLabelValues(resp.Provider).Add(cost.TotalUSD)
	}

	alert := g.cost.RecordUsage(costguard.Record{
		Provider:  resp.Provider,
		Model:     resp.Model,
		Cost:      cost.TotalUSD,
		Tokens:    resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		RequestID: requestID,
	})
	if alert != nil {
		g.fireAlert("budget", budgetAlertSeverity(alert.Level), alert.Message)
	}

	for name := range g.snapshotProviderNames() {
		snap := g.health.Snapshot(name)
		metrics.ErrorRate.WithLabelValues(name).Set(snap.ErrorRate)
	}
}

func (g *Gateway) snapshotProviderNames() map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]struct{}, len(g.providers))
	for name := range g.providers {
		out[name] = struct{}{}
	}
	return out
}

func (g *Gateway) fireAlert(source string, severity alerting.Severity, message string) {
	a := alerting.Alert{Source: source, Severity: severity, Message: message, Timestamp: time.Now()}
	g.alerts.Fire(a)
	if g.metricsStore != nil {
		g.metricsStore.StoreAlert(a)
	}
}

// budgetAlertSeverity maps costguard's four-level budget alert scale onto
// alerting's three-level delivery severity; LevelExceeded and LevelCritical
// both warrant a critical-severity delivery since by the time CostGuard
// reports either, the request has already been billed.
func budgetAlertSeverity(level costguard.AlertLevel) alerting.Severity {
	switch level {
	case costguard.LevelExceeded, costguard.LevelCritical:
		return alerting.SeverityCritical
	case costguard.LevelWarning:
		return alerting.SeverityWarning
	default:
		return alerting.SeverityInfo
	}
}

// circuitOpenErr is returned when dispatch is blocked by an open circuit
// breaker rather than an actual provider call failing.
func circuitOpenErr(providerID string) error {
	return fmt.Errorf("circuit breaker open for provider %s", providerID)
}

// requestContentLen approximates the request's content length for
// cost_optimizer.py's `len(content)//4` token estimate when no usage is
// available yet (i.e. before dispatch).
func requestContentLen(req providers.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
		for _, part := range m.ContentParts {
			total += len(part.Text)
		}
	}
	return total
}

// degradedResponse synthesizes a best-effort response when every candidate
// provider has been exhausted, matching spec.md §4.1 step 7: not charged
// to CostGuard, flagged via Meta["degraded"].
func degradedResponse(req providers.Request, requestID string, cause error) *providers.Response {
	msg := "the gateway could not reach a healthy provider for this request"
	if cause != nil {
		msg = fmt.Sprintf("%s (last error: %s)", msg, cause.Error())
	}
	promptTokens, completionTokens := costguard.EstimateTokenSplit(requestContentLen(req))
	return &providers.Response{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: providers.RoleAssistant, Content: msg},
			FinishReason: "degraded",
		}},
		Usage: providers.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Meta: map[string]interface{}{"degraded": true},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
