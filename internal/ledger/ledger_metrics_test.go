package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func histogramSamples(vec *prometheus.HistogramVec) uint64 {
	ch := make(chan prometheus.Metric, 16)
	vec.Collect(ch)
	close(ch)

	var total uint64
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil {
			total += m.Histogram.GetSampleCount()
		}
	}
	return total
}

func TestObserveOpCountsAndTimes(t *testing.T) {
	LedgerOpsTotal.Reset()
	LedgerOpDuration.Reset()

	done := observeOp("test_op")
	done()

	if got := counterValue(t, LedgerOpsTotal, "test_op"); got != 1.0 {
		t.Errorf("ops counter = %f, want 1", got)
	}
	if got := histogramSamples(LedgerOpDuration); got != 1 {
		t.Errorf("duration samples = %d, want 1", got)
	}
}

func TestGrantCounterTracksReason(t *testing.T) {
	LedgerCreditsGranted.Reset()

	l := New(NewMemoryStore(), 10)
	if err := l.AddCredits(context.Background(), "agt_a", 100, ReasonRegistrationBonus, ""); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	if got := counterValue(t, LedgerCreditsGranted, ReasonRegistrationBonus); got != 100.0 {
		t.Errorf("granted counter = %f, want 100", got)
	}
}
