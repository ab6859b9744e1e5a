package entry

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRollingSampler_PrunesOutsideWindow(t *testing.T) {
	s := newRollingSampler()
	base := time.Now()
	s.Add(decimal.NewFromInt(100), base)
	s.Add(decimal.NewFromInt(200), base.Add(6*time.Minute))
	if s.Count() != 1 {
		t.Fatalf("expected the stale sample to be pruned, got %d samples", s.Count())
	}
}

func TestRollingSampler_Percentile(t *testing.T) {
	s := newRollingSampler()
	base := time.Now()
	for i, v := range []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		s.Add(decimal.NewFromInt(v), base.Add(time.Duration(i)*time.Second))
	}
	p50, ok := s.Percentile(50)
	if !ok {
		t.Fatalf("expected a percentile with 10 samples")
	}
	f, _ := p50.Float64()
	if f < 45 || f > 65 {
		t.Fatalf("expected p50 near the middle of the range, got %v", f)
	}
}

func TestRollingSampler_EmptyReportsNotOK(t *testing.T) {
	s := newRollingSampler()
	if _, ok := s.Percentile(30); ok {
		t.Fatalf("expected no percentile from an empty sampler")
	}
	if s.Count() != 0 {
		t.Fatalf("expected count 0, got %d", s.Count())
	}
}
