package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kunickiaj/codemem/internal/rawevents"
)

// RecordRawEvent is the store-side entry point for C9 ingest.
func (s *Store) RecordRawEvent(ctx context.Context, sessionID, eventID, eventType string, payload json.RawMessage, tsWallMs, tsMonoMs int64) (bool, rawevents.IngestReason, error) {
	return rawevents.RecordRawEvent(ctx, s.db, sessionID, eventID, eventType, payload, tsWallMs, tsMonoMs)
}

// RawEventStats reports one session's ingest counters.
func (s *Store) RawEventStats(ctx context.Context, sessionID string) (rawevents.IngestStats, error) {
	return rawevents.Stats(ctx, s.db, sessionID)
}

// RawEventReliability computes the C9 reliability metrics over the last
// windowHours.
func (s *Store) RawEventReliability(ctx context.Context, windowHours int) (rawevents.ReliabilityMetrics, error) {
	return rawevents.ComputeReliabilityMetrics(ctx, s.db, windowHours)
}

// NewRawEventFlush builds the flush callback a rawevents.Flusher drives:
// load a session's pending events, classify them, write each accepted
// result as a memory item in the same batch, and mark the source events
// completed. The callback owns its own flush-batch bookkeeping so retries
// show up in the reliability metrics.
func (s *Store) NewRawEventFlush(classifier rawevents.Classifier) rawevents.FlushFunc {
	return func(ctx context.Context, sessionID string) error {
		events, err := rawevents.PendingEvents(ctx, s.db, sessionID)
		if err != nil {
			return fmt.Errorf("load pending events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		batchID, err := rawevents.StartBatch(ctx, s.db, sessionID)
		if err != nil {
			return fmt.Errorf("start flush batch: %w", err)
		}

		memories, err := classifier.Classify(ctx, sessionID, events)
		if err != nil {
			_ = rawevents.FinishBatch(ctx, s.db, batchID, rawevents.BatchError)
			return err
		}

		for _, tm := range memories {
			if _, err := s.Remember(ctx, RememberInput{
				SessionID:  sessionID,
				Kind:       tm.Category,
				Title:      tm.Title,
				Body:       rawEventBody(tm),
				Confidence: tm.Confidence,
				Metadata:   tm.Metadata,
			}); err != nil {
				_ = rawevents.FinishBatch(ctx, s.db, batchID, rawevents.BatchError)
				return fmt.Errorf("write classified memory: %w", err)
			}
		}

		eventIDs := make([]string, len(events))
		for i, e := range events {
			eventIDs[i] = e.EventID
		}
		if err := rawevents.MarkEventsCompleted(ctx, s.db, sessionID, eventIDs); err != nil {
			_ = rawevents.FinishBatch(ctx, s.db, batchID, rawevents.BatchError)
			return fmt.Errorf("mark events completed: %w", err)
		}

		return rawevents.FinishBatch(ctx, s.db, batchID, rawevents.BatchCompleted)
	}
}

func rawEventBody(tm rawevents.TypedMemory) string {
	var b strings.Builder
	b.WriteString(tm.Narrative)
	if len(tm.Facts) > 0 {
		b.WriteString("\n\n")
		for _, f := range tm.Facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
