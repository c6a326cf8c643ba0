// Package metricstore is a bounded, time-indexed store of benchmark and
// resource-analysis metrics with secondary indexes for lookup by kind and
// by name, generalizing internal/cache.Memory's container/list-based LRU
// eviction from caching responses to retaining the most recent metric
// samples. It also evaluates every recorded metric against an optional
// internal/alerting.Engine's compiled rules and retains the alerts that
// fire, so callers can query recent metrics and recent alerts from one
// place.
package metricstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/loom-ai/gateway/internal/alerting"
)

// Metric is a single observation: a named value of a given kind (e.g.
// "latency", "cost", "resource") recorded at a point in time.
type Metric struct {
	Name      string
	Kind      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

type entry struct {
	metric Metric
}

// Query selects a subset of retained metrics. Zero-valued fields are
// wildcards: an empty Kind/Name matches any, a zero time.Time Start or
// End leaves that side of the range open, and an empty Tags map
// requires no label match.
type Query struct {
	Kind  string
	Name  string
	Start time.Time
	End   time.Time
	Tags  map[string]string
}

// Stats summarizes the store's current contents.
type Stats struct {
	Total  int
	ByKind map[string]int
	ByName map[string]int
	Alerts int
}

// maxAlertHistory bounds the retained alert list the same way capacity
// bounds the metric list.
const maxAlertHistory = 1000

// Store retains up to capacity metrics, evicting the oldest when full or
// once it falls outside retentionDays, and maintains secondary indexes by
// Kind and Name that are rebuilt lazily (only when a query actually needs
// them) rather than kept perfectly in sync on every write.
type Store struct {
	mu            sync.Mutex
	capacity      int
	retentionDays int
	items         *list.List
	dirty         bool
	byKind        map[string][]Metric
	byName        map[string][]Metric

	alerts []alerting.Alert
	engine *alerting.Engine
}

// NewStore creates a Store holding at most capacity metrics. retentionDays
// of 0 disables time-based eviction (capacity remains in effect).
func NewStore(capacity int, retentionDays int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{
		capacity:      capacity,
		retentionDays: retentionDays,
		items:         list.New(),
	}
}

// SetAlertEngine wires an alerting.Engine whose rules are checked against
// every metric as it is recorded. Passing nil disables rule evaluation.
func (s *Store) SetAlertEngine(e *alerting.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = e
}

// Record appends a metric, evicting entries that are past capacity or
// retentionDays, then checks it against the wired alert engine's rules (if
// any), retaining any alerts that fire. Secondary indexes are marked dirty
// rather than rebuilt here.
func (s *Store) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.items.PushBack(entry{metric: m})
	s.evictLocked()
	s.dirty = true
	engine := s.engine
	s.mu.Unlock()

	if engine == nil {
		return
	}
	fired := engine.Check(alerting.Metric{Kind: m.Kind, Name: m.Name, Value: m.Value})
	if len(fired) == 0 {
		return
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, fired...)
	if len(s.alerts) > maxAlertHistory {
		s.alerts = s.alerts[len(s.alerts)-maxAlertHistory:]
	}
	s.mu.Unlock()
}

// evictLocked drops entries past capacity or retentionDays. Caller must
// hold s.mu.
func (s *Store) evictLocked() {
	for s.items.Len() > s.capacity {
		s.items.Remove(s.items.Front())
	}
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	for {
		front := s.items.Front()
		if front == nil {
			break
		}
		if front.Value.(entry).metric.Timestamp.After(cutoff) {
			break
		}
		s.items.Remove(front)
	}
}

// rebuildLocked recomputes the secondary indexes from the current item
// list. Caller must hold s.mu.
func (s *Store) rebuildLocked() {
	if !s.dirty {
		return
	}
	byKind := make(map[string][]Metric)
	byName := make(map[string][]Metric)
	for e := s.items.Front(); e != nil; e = e.Next() {
		m := e.Value.(entry).metric
		byKind[m.Kind] = append(byKind[m.Kind], m)
		byName[m.Name] = append(byName[m.Name], m)
	}
	s.byKind = byKind
	s.byName = byName
	s.dirty = false
}

// ByKind returns a copy of all retained metrics with the given kind.
func (s *Store) ByKind(kind string) []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked()
	out := make([]Metric, len(s.byKind[kind]))
	copy(out, s.byKind[kind])
	return out
}

// ByName returns a copy of all retained metrics with the given name.
func (s *Store) ByName(name string) []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked()
	out := make([]Metric, len(s.byName[name]))
	copy(out, s.byName[name])
	return out
}

// Query returns retained metrics matching q, using the Kind/Name secondary
// indexes to start from the shortest candidate list before applying the
// remaining filters (time range, tags) in memory.
func (s *Store) Query(q Query) []Metric {
	s.mu.Lock()
	s.rebuildLocked()

	var candidates []Metric
	switch {
	case q.Kind != "" && q.Name != "":
		byKind := s.byKind[q.Kind]
		byName := s.byName[q.Name]
		if len(byKind) <= len(byName) {
			candidates = byKind
		} else {
			candidates = byName
		}
	case q.Kind != "":
		candidates = s.byKind[q.Kind]
	case q.Name != "":
		candidates = s.byName[q.Name]
	default:
		candidates = make([]Metric, 0, s.items.Len())
		for e := s.items.Front(); e != nil; e = e.Next() {
			candidates = append(candidates, e.Value.(entry).metric)
		}
	}
	cp := make([]Metric, len(candidates))
	copy(cp, candidates)
	s.mu.Unlock()

	out := make([]Metric, 0, len(cp))
	for _, m := range cp {
		if q.Kind != "" && m.Kind != q.Kind {
			continue
		}
		if q.Name != "" && m.Name != q.Name {
			continue
		}
		if !q.Start.IsZero() && m.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && m.Timestamp.After(q.End) {
			continue
		}
		if !tagsMatch(q.Tags, m.Labels) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func tagsMatch(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// StoreAlert records an alert directly (e.g. one fired ad-hoc via
// alerting.Engine.Fire rather than through Record's rule evaluation), so
// GetAlerts sees a single unified history regardless of origin.
func (s *Store) StoreAlert(a alerting.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > maxAlertHistory {
		s.alerts = s.alerts[len(s.alerts)-maxAlertHistory:]
	}
}

// GetAlerts returns retained alerts, optionally filtered to a single
// source ("" matches any).
func (s *Store) GetAlerts(source string) []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == "" {
		out := make([]alerting.Alert, len(s.alerts))
		copy(out, s.alerts)
		return out
	}
	var out []alerting.Alert
	for _, a := range s.alerts {
		if a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of metrics currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// All returns a copy of every retained metric, oldest first.
func (s *Store) All() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Metric, 0, s.items.Len())
	for e := s.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(entry).metric)
	}
	return out
}

// Stats summarizes the store's current size and per-kind/per-name counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked()

	st := Stats{
		Total:  s.items.Len(),
		ByKind: make(map[string]int, len(s.byKind)),
		ByName: make(map[string]int, len(s.byName)),
		Alerts: len(s.alerts),
	}
	for k, v := range s.byKind {
		st.ByKind[k] = len(v)
	}
	for n, v := range s.byName {
		st.ByName[n] = len(v)
	}
	return st
}
