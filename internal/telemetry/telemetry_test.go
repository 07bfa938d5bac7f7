package telemetry

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestComponentLoggerCarriesField(t *testing.T) {
	base := NewLogger(logrus.WarnLevel)
	entry := Component(base, "tm-tcp")
	if entry.Data["component"] != "tm-tcp" {
		t.Fatalf("expected component field, got %v", entry.Data)
	}
}

func TestMetricsRegistersCollectors(t *testing.T) {
	m := NewMetrics()
	m.OpsTotal.WithLabelValues("tcp", "send").Inc()
	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestConfigStoreSnapshotRoundTrip(t *testing.T) {
	cs := NewConfigStore()
	reloaded := make(chan struct{}, 1)
	cs.OnReload(func() { reloaded <- struct{}{} })
	cs.SetConfig(map[string]any{"usage_iters_active": float64(10000)})

	data, err := cs.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	other := NewConfigStore()
	if err := other.LoadSnapshot(data); err != nil {
		t.Fatalf("load: %v", err)
	}
	v, ok := other.Get("usage_iters_active")
	if !ok || v != float64(10000) {
		t.Fatalf("expected usage_iters_active=10000, got %v (ok=%v)", v, ok)
	}
	<-reloaded
}
