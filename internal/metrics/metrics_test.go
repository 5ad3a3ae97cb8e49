package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	// Check that all metrics are registered
	if m.MessagesSentTotal == nil {
		t.Error("MessagesSentTotal is nil")
	}
	if m.MessagesFailedTotal == nil {
		t.Error("MessagesFailedTotal is nil")
	}
	if m.SendDurationSeconds == nil {
		t.Error("SendDurationSeconds is nil")
	}
	if m.SessionsStartedTotal == nil {
		t.Error("SessionsStartedTotal is nil")
	}
	if m.SessionsFinishedTotal == nil {
		t.Error("SessionsFinishedTotal is nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive is nil")
	}
	if m.SchedulePausesTotal == nil {
		t.Error("SchedulePausesTotal is nil")
	}
	if m.APIRequestsTotal == nil {
		t.Error("APIRequestsTotal is nil")
	}
	if m.APIRequestDurationSeconds == nil {
		t.Error("APIRequestDurationSeconds is nil")
	}
}

func TestGlobalMetrics(t *testing.T) {
	// Initially global should be nil
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	// Cleanup
	SetGlobal(nil)
}

func TestIncMessagesSent(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent()
	IncMessagesSent()

	var metric dto.Metric
	if err := m.MessagesSentTotal.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected counter value 2, got %f", metric.Counter.GetValue())
	}
}

func TestIncMessagesFailed(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesFailed("temporary")
	IncMessagesFailed("permanent")
	IncMessagesFailed("temporary")

	counter, err := m.MessagesFailedTotal.GetMetricWithLabelValues("temporary")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}

	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected counter value 2, got %f", metric.Counter.GetValue())
	}
}

func TestSessionCounters(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncSessionsStarted()
	IncSessionsFinished("completed")
	IncSessionsFinished("aborted")
	IncSessionsFinished("completed")
	SetSessionsActive(3)
	IncSchedulePauses()

	var metric dto.Metric
	if err := m.SessionsStartedTotal.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("Expected started 1, got %f", metric.Counter.GetValue())
	}

	counter, err := m.SessionsFinishedTotal.GetMetricWithLabelValues("completed")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	metric = dto.Metric{}
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected completed 2, got %f", metric.Counter.GetValue())
	}

	metric = dto.Metric{}
	if err := m.SessionsActive.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 3 {
		t.Errorf("Expected active 3, got %f", metric.Gauge.GetValue())
	}
}

func TestHelpersAreNilSafe(t *testing.T) {
	SetGlobal(nil)

	// Must not panic without a global instance
	IncMessagesSent()
	IncMessagesFailed("temporary")
	ObserveSendDuration(time.Second)
	IncSessionsStarted()
	IncSessionsFinished("completed")
	SetSessionsActive(0)
	IncSchedulePauses()
	RecordAPIRequest("GET", "/health", "200", time.Millisecond)
}
