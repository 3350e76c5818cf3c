// Package telemetry tests verify metric recording.
package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilMetrics verifies a nil *Metrics records nothing and does not panic.
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("report", "create", "success", time.Second)
	m.SetQueueDepth(1, 2, 3, 4)
	m.IncCycle("ok")
	m.AddReconciled("report", "upserted", 3)
	m.SetOnline(true)
}

// TestObserveDispatch verifies counter and histogram updates.
func TestObserveDispatch(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDispatch("report", "create", "success", 120*time.Millisecond)
	m.ObserveDispatch("report", "create", "success", 80*time.Millisecond)
	m.ObserveDispatch("photo", "create", "retryable", time.Second)

	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("report", "create", "success")); got != 2 {
		t.Errorf("report/create/success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("photo", "create", "retryable")); got != 1 {
		t.Errorf("photo/create/retryable = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.dispatchDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

// TestSetQueueDepth verifies gauges by status.
func TestSetQueueDepth(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetQueueDepth(5, 1, 2, 9)

	want := map[string]float64{"pending": 5, "in_flight": 1, "failed": 2, "completed": 9}
	for status, v := range want {
		if got := testutil.ToFloat64(m.queueDepth.WithLabelValues(status)); got != v {
			t.Errorf("queue_items{status=%q} = %v, want %v", status, got, v)
		}
	}
}

// TestCyclesReconcileOnline verifies the remaining collectors.
func TestCyclesReconcileOnline(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncCycle("ok")
	m.IncCycle("ok")
	m.IncCycle("halted")
	m.AddReconciled("audio", "deleted", 2)
	m.AddReconciled("audio", "deleted", 0)
	m.SetOnline(true)

	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("cycles ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reconcileTotal.WithLabelValues("audio", "deleted")); got != 2 {
		t.Errorf("reconciled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.online); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
}

// TestNew_duplicateRegistration verifies registration is per registry.
func TestNew_duplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	New(reg)
}
