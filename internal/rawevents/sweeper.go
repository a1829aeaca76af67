package rawevents

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kunickiaj/codemem/internal/safedb"
)

// maxConcurrentFlushes bounds the sweeper's per-tick fan-out across
// sessions needing a flush.
const maxConcurrentFlushes = 8

// SweeperConfig controls the periodic tick's thresholds.
type SweeperConfig struct {
	Interval      time.Duration
	RetentionMS   int64
	StuckBatchMS  int64
	IdleMS        int64
	PendingLimit  int
}

// Sweeper runs the idle-sweep tick: purge, mark-stuck, flush-pending,
// flush-idle, in that fixed order, on its own goroutine until Stop.
type Sweeper struct {
	db      *safedb.DB
	flusher *Flusher
	cfg     SweeperConfig
	stop    chan struct{}
}

// NewSweeper builds a sweeper over db, driving flusher's FlushNow for
// sessions it selects.
func NewSweeper(db *safedb.DB, flusher *Flusher, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 25
	}
	return &Sweeper{db: db, flusher: flusher, cfg: cfg, stop: make(chan struct{})}
}

// Run drives Tick on cfg.Interval until Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop signals Run to terminate.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// Tick runs one sweep pass: purge, mark-stuck, flush-pending, flush-idle.
func (s *Sweeper) Tick(ctx context.Context) {
	if s.cfg.RetentionMS > 0 {
		if n, err := s.purgeOlderThan(ctx, s.cfg.RetentionMS); err != nil {
			log.Printf("rawevents: purge: %v", err)
		} else if n > 0 {
			log.Printf("rawevents: purged %d events beyond retention", n)
		}
	}

	if n, err := s.markStuckBatches(ctx, s.cfg.StuckBatchMS); err != nil {
		log.Printf("rawevents: mark stuck batches: %v", err)
	} else if n > 0 {
		log.Printf("rawevents: marked %d stuck batches as error", n)
	}

	pending, err := s.sessionsWithPendingEvents(ctx, s.cfg.PendingLimit)
	if err != nil {
		log.Printf("rawevents: list pending sessions: %v", err)
		pending = nil
	}
	s.flushAll(ctx, pending)

	idle, err := s.sessionsIdleBeyond(ctx, s.cfg.IdleMS, s.cfg.PendingLimit)
	if err != nil {
		log.Printf("rawevents: list idle sessions: %v", err)
		return
	}
	s.flushAll(ctx, idle)
}

// flushAll drives FlushNow for each session with bounded concurrency: each
// session's flush is independent, so a slow or stuck classifier call for
// one session doesn't delay the rest of the tick.
func (s *Sweeper) flushAll(ctx context.Context, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFlushes)
	for _, sid := range sessionIDs {
		g.Go(func() error {
			s.flusher.FlushNow(sid)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) purgeOlderThan(ctx context.Context, retentionMS int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionMS) * time.Millisecond).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE ts_wall_ms < ? AND status != 'pending'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge raw events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Sweeper) markStuckBatches(ctx context.Context, stuckMS int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(stuckMS) * time.Millisecond).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_event_flush_batches SET status = 'error', updated_at = ?
		WHERE status = 'pending' AND created_at < ?`, time.Now().UTC().Format(time.RFC3339Nano), cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stuck batches: %w", err)
	}
	return res.RowsAffected()
}

func (s *Sweeper) sessionsWithPendingEvents(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM raw_events WHERE status = 'pending' LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionIDs(rows)
}

func (s *Sweeper) sessionsIdleBeyond(ctx context.Context, idleMS int64, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(idleMS) * time.Millisecond).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT res.session_id FROM raw_event_sessions res
		WHERE res.last_activity_at < ?
		AND EXISTS (SELECT 1 FROM raw_events re WHERE re.session_id = res.session_id AND re.status = 'pending')
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionIDs(rows)
}

func scanSessionIDs(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
