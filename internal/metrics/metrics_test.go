package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSessionGauge(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	if val := getGaugeValue(c.sessionsActive); val != 1 {
		t.Errorf("expected active=1, got %v", val)
	}
	if val := getCounterValue(c.sessionsTotal); val != 2 {
		t.Errorf("expected total=2, got %v", val)
	}
}

func TestCommandAndFenceCounters(t *testing.T) {
	c := New()

	c.CommandRouted("single")
	c.CommandRouted("single")
	c.CommandRouted("multi")
	c.NodeFenced("pg2")
	c.SecondaryReplay("pg1")

	if val := getCounterValue(c.commandsTotal.WithLabelValues("single")); val != 2 {
		t.Errorf("expected single=2, got %v", val)
	}
	if val := getCounterValue(c.commandsTotal.WithLabelValues("multi")); val != 1 {
		t.Errorf("expected multi=1, got %v", val)
	}
	if val := getCounterValue(c.fencedTotal.WithLabelValues("pg2")); val != 1 {
		t.Errorf("expected fenced=1, got %v", val)
	}
	if val := getCounterValue(c.replaysTotal.WithLabelValues("pg1")); val != 1 {
		t.Errorf("expected replays=1, got %v", val)
	}
}

func TestSetTargetHealth(t *testing.T) {
	c := New()

	c.SetTargetHealth("pg1", true)
	if val := getGaugeValue(c.targetHealth.WithLabelValues("pg1")); val != 1 {
		t.Errorf("expected healthy=1, got %v", val)
	}

	c.SetTargetHealth("pg1", false)
	if val := getGaugeValue(c.targetHealth.WithLabelValues("pg1")); val != 0 {
		t.Errorf("expected healthy=0, got %v", val)
	}
}

func TestReplyDurationHistogram(t *testing.T) {
	c := New()

	c.ReplyDuration("pg1", 10*time.Millisecond)
	c.ReplyDuration("pg1", 30*time.Millisecond)

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "pgrouter_reply_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("reply duration metric not found")
	}
}

func TestRemoveTarget(t *testing.T) {
	c := New()

	c.NodeFenced("pg2")
	c.SetTargetHealth("pg2", false)
	c.RemoveTarget("pg2")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "target" && l.GetValue() == "pg2" {
					t.Errorf("metric %s still carries removed target", f.GetName())
				}
			}
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.SessionOpened()

	if val := getGaugeValue(b.sessionsActive); val != 0 {
		t.Errorf("registries should be independent, got %v", val)
	}
}
