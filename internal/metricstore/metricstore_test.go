package metricstore

import "testing"

func TestRecordAndByKind(t *testing.T) {
	s := NewStore(10, 0)
	s.Record(Metric{Name: "p95_latency", Kind: "latency", Value: 120})
	s.Record(Metric{Name: "cost_total", Kind: "cost", Value: 0.5})
	s.Record(Metric{Name: "p95_latency", Kind: "latency", Value: 130})

	lat := s.ByKind("latency")
	if len(lat) != 2 {
		t.Fatalf("ByKind(latency) len = %d, want 2", len(lat))
	}

	named := s.ByName("cost_total")
	if len(named) != 1 {
		t.Fatalf("ByName(cost_total) len = %d, want 1", len(named))
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	s := NewStore(3, 0)
	for i := 0; i < 10; i++ {
		s.Record(Metric{Name: "x", Kind: "k", Value: float64(i)})
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	all := s.All()
	if all[0].Value != 7 {
		t.Fatalf("oldest retained value = %v, want 7 (values 0-6 evicted)", all[0].Value)
	}
}

func TestIndexesReflectEvictionAfterRebuild(t *testing.T) {
	s := NewStore(2, 0)
	s.Record(Metric{Name: "a", Kind: "k", Value: 1})
	s.Record(Metric{Name: "b", Kind: "k", Value: 2})
	s.Record(Metric{Name: "c", Kind: "k", Value: 3}) // evicts "a"

	byName := s.ByName("a")
	if len(byName) != 0 {
		t.Fatalf("expected evicted metric 'a' to be absent from index after rebuild, got %d", len(byName))
	}
}
