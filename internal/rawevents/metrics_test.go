package rawevents_test

import (
	"context"
	"testing"

	"github.com/kunickiaj/codemem/internal/rawevents"
)

func TestComputeReliabilityMetrics_Empty(t *testing.T) {
	db := newTestDB(t)
	m, err := rawevents.ComputeReliabilityMetrics(context.Background(), db, 24)
	if err != nil {
		t.Fatalf("ComputeReliabilityMetrics failed: %v", err)
	}
	if m.SampleSize != 0 {
		t.Errorf("expected empty sample size, got %d", m.SampleSize)
	}
}

func TestComputeReliabilityMetrics_DroppedEventRate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt1", "tool_call", []byte(`{}`), 1000, 2000); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, _, err := rawevents.RecordRawEvent(ctx, db, "sess1", "evt2", "tool_call", []byte(`not json`), 1000, 2000); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	m, err := rawevents.ComputeReliabilityMetrics(ctx, db, 24)
	if err != nil {
		t.Fatalf("ComputeReliabilityMetrics failed: %v", err)
	}
	if m.DroppedEventRate != 0.5 {
		t.Errorf("DroppedEventRate = %v, want 0.5", m.DroppedEventRate)
	}
}

func TestReliabilityMetrics_MeetsThresholds(t *testing.T) {
	m := rawevents.ReliabilityMetrics{
		FlushSuccessRate:        0.95,
		DroppedEventRate:        0.02,
		SessionBoundaryAccuracy: 0.9,
		SampleSize:              50,
	}
	if err := m.MeetsThresholds(0.9, 0.05, 0.8, 10); err != nil {
		t.Errorf("expected thresholds to pass, got %v", err)
	}
	if err := m.MeetsThresholds(0.99, 0.05, 0.8, 10); err == nil {
		t.Error("expected success-rate threshold to fail")
	}
	if err := m.MeetsThresholds(0.9, 0.05, 0.8, 1000); err == nil {
		t.Error("expected sample-size threshold to fail")
	}
}
