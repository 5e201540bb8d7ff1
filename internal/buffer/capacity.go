package buffer

import (
	"context"
	"fmt"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
)

// maybeEnforceCapacity runs a capacity sweep at most once per enforcement
// interval. Holding the gate mutex only around the timestamp check keeps
// Add callers from stacking up behind a sweep.
func (s *Store) maybeEnforceCapacity(ctx context.Context) {
	s.enforceMu.Lock()
	if time.Since(s.lastEnforce) < s.enforceEvery {
		s.enforceMu.Unlock()
		return
	}
	s.lastEnforce = time.Now()
	s.enforceMu.Unlock()

	// Eviction failure must never fail the Add that triggered it; the next
	// gate expiry retries.
	_, _ = s.EnforceCapacity(ctx)
}

// EnforceCapacity deletes the oldest eligible rows once the count of rows in
// PENDING, FAILED or PROCESSING reaches capacity, draining down to
// capacity minus headroom. Shedding old data beats blocking capture or
// growing without bound; momentary overshoot between sweeps is accepted.
func (s *Store) EnforceCapacity(ctx context.Context) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		deleted = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin eviction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var eligible int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM events WHERE status IN (?, ?, ?);
		`, string(StatusPending), string(StatusFailed), string(StatusProcessing)).Scan(&eligible); err != nil {
			return fmt.Errorf("count eligible rows: %w", err)
		}
		if eligible < s.capacity {
			return tx.Commit()
		}

		target := s.capacity - s.headroom
		excess := eligible - target
		res, err := tx.ExecContext(ctx, `
			DELETE FROM events
			WHERE id IN (
				SELECT id FROM events
				WHERE status IN (?, ?, ?)
				ORDER BY created_at ASC, id ASC
				LIMIT ?
			);
		`, string(StatusPending), string(StatusFailed), string(StatusProcessing), excess)
		if err != nil {
			return fmt.Errorf("evict oldest rows: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("eviction rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicCapacityEvicted, bus.CapacityEvicted{Deleted: int(deleted)})
	}
	return deleted, nil
}
