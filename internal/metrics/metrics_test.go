package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatsCollector_ActiveRequests(t *testing.T) {
	sc := NewStatsCollector()

	sc.IncActiveRequests()
	sc.IncActiveRequests()

	stats := sc.GetStats()
	if stats.ActiveRequests != 2 {
		t.Errorf("expected 2 active requests, got %d", stats.ActiveRequests)
	}

	sc.DecActiveRequests()
	stats = sc.GetStats()
	if stats.ActiveRequests != 1 {
		t.Errorf("expected 1 active request, got %d", stats.ActiveRequests)
	}
}

func TestStatsCollector_TotalRequests(t *testing.T) {
	sc := NewStatsCollector()

	sc.IncTotalRequests()
	sc.IncTotalRequests()
	sc.IncTotalRequests()

	if got := sc.GetStats().TotalRequests; got != 3 {
		t.Errorf("expected 3 total requests, got %d", got)
	}
}

func TestStatsCollector_UpstreamErrors(t *testing.T) {
	sc := NewStatsCollector()
	before := testutil.ToFloat64(UpstreamErrors.WithLabelValues("claude"))

	sc.IncUpstreamErrors("claude")

	if got := sc.GetStats().UpstreamErrors; got != 1 {
		t.Errorf("expected 1 upstream error, got %d", got)
	}
	if got := testutil.ToFloat64(UpstreamErrors.WithLabelValues("claude")); got != before+1 {
		t.Errorf("expected prometheus counter %v, got %v", before+1, got)
	}
}

func TestStatsCollector_SelectionsPerKey(t *testing.T) {
	sc := NewStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.IncSelectionsForKey("key-a")
		}()
	}
	wg.Wait()
	sc.IncSelectionsForKey("key-b")

	stats := sc.GetStats()
	if stats.SelectionsPerKey["key-a"] != 10 {
		t.Errorf("expected 10 selections for key-a, got %d", stats.SelectionsPerKey["key-a"])
	}
	if stats.SelectionsPerKey["key-b"] != 1 {
		t.Errorf("expected 1 selection for key-b, got %d", stats.SelectionsPerKey["key-b"])
	}
}

func TestStatsCollector_ForgetKey(t *testing.T) {
	sc := NewStatsCollector()
	sc.IncSelectionsForKey("gone")
	KeyHealth.WithLabelValues("openai", "gone").Set(2)
	ProbeTotal.WithLabelValues("openai", "gone", "success").Inc()
	ProbeTotal.WithLabelValues("openai", "gone", "failure").Inc()
	ProbeTotal.WithLabelValues("openai", "kept", "success").Inc()
	KeyHealth.WithLabelValues("openai", "kept").Set(2)
	defer sc.ForgetKey("openai", "kept")

	sc.ForgetKey("openai", "gone")

	if _, ok := sc.GetStats().SelectionsPerKey["gone"]; ok {
		t.Error("expected per-key stats to be dropped")
	}
	if KeyHealth.DeleteLabelValues("openai", "gone") {
		t.Error("expected key health gauge to be removed")
	}
	if n := ProbeTotal.DeletePartialMatch(prometheus.Labels{"key_id": "gone"}); n != 0 {
		t.Errorf("expected health check counters to be removed, %d left", n)
	}
	if got := testutil.ToFloat64(ProbeTotal.WithLabelValues("openai", "kept", "success")); got < 1 {
		t.Errorf("other keys' counters must survive, got %v", got)
	}
}
