package rawevents

import (
	"context"
	"fmt"
	"time"

	"github.com/kunickiaj/codemem/internal/safedb"
)

// ReliabilityMetrics holds the four reliability metrics plus the sample
// size; MeetsThresholds gates on all but RetryDepthMax, which is reported
// only.
type ReliabilityMetrics struct {
	FlushSuccessRate        float64
	DroppedEventRate        float64
	SessionBoundaryAccuracy float64
	RetryDepthMax           int64
	SampleSize              int64
}

// ComputeReliabilityMetrics aggregates over the last windowHours.
// session_boundary_accuracy's denominator is every session seen in the
// window, counting a missing started_at as a boundary failure — preserved
// exactly as the source computes it, not simplified to "skip unknowns".
func ComputeReliabilityMetrics(ctx context.Context, db *safedb.DB, windowHours int) (ReliabilityMetrics, error) {
	var m ReliabilityMetrics
	cutoff := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour).Format(time.RFC3339Nano)

	var completed, errored int64
	if err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM raw_event_flush_batches WHERE created_at >= ?`, cutoff).Scan(&completed, &errored); err != nil {
		return m, fmt.Errorf("aggregate flush batches: %w", err)
	}
	if completed+errored > 0 {
		m.FlushSuccessRate = float64(completed) / float64(completed+errored)
	}

	var inserted, skippedInvalid, skippedConflict int64
	if err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(inserted_events), 0), COALESCE(SUM(skipped_invalid), 0), COALESCE(SUM(skipped_conflict), 0)
		FROM raw_event_ingest_stats`).Scan(&inserted, &skippedInvalid, &skippedConflict); err != nil {
		return m, fmt.Errorf("aggregate ingest stats: %w", err)
	}
	attempted := inserted + skippedInvalid + skippedConflict
	if attempted > 0 {
		m.DroppedEventRate = float64(skippedInvalid+skippedConflict) / float64(attempted)
	}

	var totalSessions, withStartedAt int64
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN started_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM raw_event_sessions WHERE last_activity_at >= ?`, cutoff).Scan(&totalSessions, &withStartedAt); err != nil {
		return m, fmt.Errorf("aggregate session boundaries: %w", err)
	}
	if totalSessions > 0 {
		m.SessionBoundaryAccuracy = float64(withStartedAt) / float64(totalSessions)
	}

	var maxAttempt int64
	if err := db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_count), 1) FROM raw_event_flush_batches WHERE created_at >= ?`, cutoff).Scan(&maxAttempt); err != nil {
		return m, fmt.Errorf("aggregate attempt counts: %w", err)
	}
	m.RetryDepthMax = maxAttempt - 1
	m.SampleSize = completed + errored

	return m, nil
}

// MeetsThresholds implements the CLI gate: flush success rate, dropped
// event rate and session boundary accuracy must clear their thresholds,
// and the eligible sample must be large enough to trust. RetryDepthMax is
// not checked.
func (m ReliabilityMetrics) MeetsThresholds(minSuccessRate, maxDroppedRate, minBoundaryAccuracy float64, minSampleSize int64) error {
	if m.SampleSize < minSampleSize {
		return fmt.Errorf("sample size %d below minimum %d", m.SampleSize, minSampleSize)
	}
	if m.FlushSuccessRate < minSuccessRate {
		return fmt.Errorf("flush success rate %.4f below threshold %.4f", m.FlushSuccessRate, minSuccessRate)
	}
	if m.DroppedEventRate > maxDroppedRate {
		return fmt.Errorf("dropped event rate %.4f above threshold %.4f", m.DroppedEventRate, maxDroppedRate)
	}
	if m.SessionBoundaryAccuracy < minBoundaryAccuracy {
		return fmt.Errorf("session boundary accuracy %.4f below threshold %.4f", m.SessionBoundaryAccuracy, minBoundaryAccuracy)
	}
	return nil
}
