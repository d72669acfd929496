package prom_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester/prom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricName(t *testing.T) {
	tests := map[string]string{
		"engine.ingress":        "engine_ingress",
		"kafka.partition-0.lag": "kafka_partition_0_lag",
		"a b":                   "a_b",
	}
	for in, want := range tests {
		if got := prom.MetricName(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestStatter(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := prom.NewStatter("ingester", reg, nil)

	s.Count("engine.enqueued", 2, 1)
	s.Count("engine.enqueued", 3, 1)
	s.Count("push.delivered", 1, 1, "dataset:4")
	s.Count("push.delivered", 1, 1, "dataset:5")
	s.Count("push.delivered", 1, 1, "other:5")
	s.Gauge("engine.queue", 7, 1)
	s.Gauge("engine.queue", 3, 1)
	s.Timing("engine.fetch", 250*time.Millisecond, 1)
	s.Histogram("entries", 12, 1)
	s.Set("datasets", "1", 1)
	s.Set("datasets", "2", 1)
	s.Set("datasets", "1", 1)

	expected := `
# HELP ingester_engine_enqueued_total Count of engine.enqueued.
# TYPE ingester_engine_enqueued_total counter
ingester_engine_enqueued_total 5
# HELP ingester_push_delivered_total Count of push.delivered.
# TYPE ingester_push_delivered_total counter
ingester_push_delivered_total{dataset="4"} 1
ingester_push_delivered_total{dataset="5"} 1
# HELP ingester_engine_queue Current value of engine.queue.
# TYPE ingester_engine_queue gauge
ingester_engine_queue 3
# HELP ingester_datasets_distinct Distinct values of datasets.
# TYPE ingester_datasets_distinct gauge
ingester_datasets_distinct 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ingester_engine_enqueued_total", "ingester_push_delivered_total",
		"ingester_engine_queue", "ingester_datasets_distinct")
	if err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "ingester_engine_fetch_seconds", "ingester_entries"); err != nil || n != 2 {
		t.Fatalf("expected both histograms, got %d, %v", n, err)
	}
}

func TestStatterRegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "ingester", Name: "taken_total"}))
	s := prom.NewStatter("ingester", reg, nil)
	s.Count("taken", 1, 1)
	s.Count("taken", 1, 1)
	if n, err := testutil.GatherAndCount(reg, "ingester_taken_total"); err != nil || n != 1 {
		t.Fatalf("expected only the original collector, got %d, %v", n, err)
	}
}
