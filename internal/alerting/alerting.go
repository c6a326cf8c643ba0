// Package alerting delivers alerts (budget, health, resource) to one or
// more sinks, cooldown-gated per identity to avoid repeat notification
// floods. Delivery fan-out mirrors gateway.go's publishEvent: each sink
// runs in its own goroutine and a failing sink is logged, never blocking
// ingestion or other sinks.
package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"github.com/loom-ai/gateway/internal/logging"
)

// Severity is the alert's urgency, shared across budget/health/resource
// sources so a single Engine can gate all of them with one cooldown map.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single notification to deliver.
type Alert struct {
	Source    string // e.g. "budget", "health", "resource"
	Severity  Severity
	Message   string
	Timestamp time.Time
}

// Sink delivers an alert somewhere. Deliver takes no context, so a Sink
// bounds its own blocking; it returns an error rather than panicking.
type Sink interface {
	Name() string
	Deliver(a Alert) error
}

// Engine dedupes and fans an alert out to every registered Sink.
type Engine struct {
	mu         sync.Mutex
	cooldown   time.Duration
	lastSentAt map[string]time.Time
	sinks      []Sink
	rules      []Rule
}

// NewEngine creates an Engine with the given per-identity cooldown
// (identity = source+severity+hour-bucket, the same bucketing idiom
// internal/costguard.Guard uses for budget alerts).
func NewEngine(cooldown time.Duration) *Engine {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Engine{
		cooldown:   cooldown,
		lastSentAt: make(map[string]time.Time),
	}
}

// Register adds a delivery sink.
func (e *Engine) Register(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Fire delivers a to every sink, unless the same (source, severity,
// hour-bucket) identity already fired within the cooldown window.
func (e *Engine) Fire(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s_%s_%s", a.Source, a.Severity, a.Timestamp.Format("2006010215"))

	e.mu.Lock()
	if last, ok := e.lastSentAt[key]; ok && time.Since(last) < e.cooldown {
		e.mu.Unlock()
		return
	}
	e.lastSentAt[key] = time.Now()
	e.mu.Unlock()

	e.deliver(a)
}

// deliver fans a out to every registered sink, each in its own goroutine.
func (e *Engine) deliver(a Alert) {
	e.mu.Lock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	for _, s := range sinks {
		sink := s
		go func() {
			if err := sink.Deliver(a); err != nil {
				logging.Logger.Warn("alert delivery failed", "sink", sink.Name(), "error", err)
			}
		}()
	}
}

// CompareOp is a rule's comparison operator, applied as `value op threshold`.
type CompareOp string

const (
	OpGreater        CompareOp = ">"
	OpGreaterOrEqual CompareOp = ">="
	OpLess           CompareOp = "<"
	OpLessOrEqual    CompareOp = "<="
	OpEqual          CompareOp = "=="
	OpNotEqual       CompareOp = "!="
)

// Metric is the minimal shape a Rule evaluates against — deliberately
// narrower than metricstore.Metric so this package doesn't import it.
type Metric struct {
	Kind  string
	Name  string
	Value float64
}

// Rule is a compiled alert rule: match selects which metrics it considers,
// compare decides whether the matched value crosses a threshold, and a hit
// is rendered through message_template and gated by its own cooldown,
// independent of the Engine-wide cooldown used by ad-hoc Fire calls.
type Rule struct {
	Name            string
	MatchKind       string // empty matches any kind
	MatchName       string // empty matches any name
	Op              CompareOp
	Threshold       float64
	Severity        Severity
	MessageTemplate string // may contain %s (rule name), %v (value), %v (threshold), in that order
	Cooldown        time.Duration
}

// Matches reports whether m falls within this rule's {kind?, name?} match.
func (r Rule) Matches(m Metric) bool {
	if r.MatchKind != "" && r.MatchKind != m.Kind {
		return false
	}
	if r.MatchName != "" && r.MatchName != m.Name {
		return false
	}
	return true
}

// Evaluate applies the rule's comparison to m.Value.
func (r Rule) Evaluate(m Metric) bool {
	switch r.Op {
	case OpGreater:
		return m.Value > r.Threshold
	case OpGreaterOrEqual:
		return m.Value >= r.Threshold
	case OpLess:
		return m.Value < r.Threshold
	case OpLessOrEqual:
		return m.Value <= r.Threshold
	case OpEqual:
		return m.Value == r.Threshold
	case OpNotEqual:
		return m.Value != r.Threshold
	default:
		return false
	}
}

func (r Rule) render(m Metric) string {
	if r.MessageTemplate == "" {
		return fmt.Sprintf("%s: %s/%s = %v (threshold %s %v)", r.Name, m.Kind, m.Name, m.Value, r.Op, r.Threshold)
	}
	return fmt.Sprintf(r.MessageTemplate, r.Name, m.Value, r.Threshold)
}

// AddRule registers a compiled rule to be evaluated by every Check call.
func (e *Engine) AddRule(r Rule) {
	if r.Cooldown <= 0 {
		r.Cooldown = e.cooldown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Check evaluates m against every registered rule, firing (subject to each
// rule's own cooldown, keyed by rule name + metric name so two metrics
// matching the same rule are gated independently) and returning the alerts
// it fired.
func (e *Engine) Check(m Metric) []Alert {
	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	var fired []Alert
	for _, r := range rules {
		if !r.Matches(m) || !r.Evaluate(m) {
			continue
		}
		key := fmt.Sprintf("rule_%s_%s", r.Name, m.Name)

		e.mu.Lock()
		last, ok := e.lastSentAt[key]
		onCooldown := ok && time.Since(last) < r.Cooldown
		if !onCooldown {
			e.lastSentAt[key] = time.Now()
		}
		e.mu.Unlock()
		if onCooldown {
			continue
		}

		a := Alert{Source: r.Name, Severity: r.Severity, Message: r.render(m), Timestamp: time.Now()}
		e.deliver(a)
		fired = append(fired, a)
	}
	return fired
}

// LogSink delivers alerts to the structured logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(a Alert) error {
	switch a.Severity {
	case SeverityCritical:
		logging.Logger.Error("alert", "source", a.Source, "message", a.Message)
	case SeverityWarning:
		logging.Logger.Warn("alert", "source", a.Source, "message", a.Message)
	default:
		logging.Logger.Info("alert", "source", a.Source, "message", a.Message)
	}
	return nil
}

// WebhookSink POSTs a JSON-encoded alert to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (w WebhookSink) Name() string { return "webhook" }

func (w WebhookSink) Deliver(a Alert) error {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	resp, err := client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailSink sends an alert via SMTP. Intended for low-volume operator
// notification (budget exceeded, provider outage), not high-frequency
// delivery — the alert Engine's cooldown keeps volume low regardless.
type EmailSink struct {
	SMTPAddr string
	From     string
	To       string
	Auth     smtp.Auth
}

func (e EmailSink) Name() string { return "email" }

func (e EmailSink) Deliver(a Alert) error {
	msg := fmt.Sprintf("Subject: [loom] %s alert (%s)\r\n\r\n%s\r\n", a.Source, a.Severity, a.Message)
	if err := smtp.SendMail(e.SMTPAddr, e.Auth, e.From, []string{e.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
