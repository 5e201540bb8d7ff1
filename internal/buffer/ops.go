package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
)

// Add persists a captured event with status PENDING. As a side effect it
// triggers a capacity-enforcement pass, time-gated so a burst of inserts
// costs one sweep, not one per call.
func (s *Store) Add(ctx context.Context, event Event) (int64, error) {
	if event.Type == "" {
		return 0, fmt.Errorf("add event: empty event type")
	}
	if event.SubjectIdentity == "" {
		return 0, fmt.Errorf("add event: empty subject identity")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	var workFlag sql.NullInt64
	switch event.WorkFlag {
	case WorkRelated:
		workFlag = sql.NullInt64{Int64: 1, Valid: true}
	case WorkUnrelated:
		workFlag = sql.NullInt64{Int64: 0, Valid: true}
	}

	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (
				event_type, event_timestamp, subject_identity,
				application_name, application_path, window_title,
				work_flag, metadata_json, status, retry_count, permanent, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, CURRENT_TIMESTAMP);
		`,
			string(event.Type), ts.UTC(), event.SubjectIdentity,
			nullString(event.ApplicationName), nullString(event.ApplicationPath), nullString(event.WindowTitle),
			workFlag, metadata, string(StatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicEventAdded, bus.EventAdded{ID: id, EventType: string(event.Type)})
	}

	s.maybeEnforceCapacity(ctx)
	return id, nil
}

// GetPending atomically claims up to batchSize deliverable rows. Within one
// transaction it (1) requeues PROCESSING rows whose claim has gone stale
// (the crash-recovery path), (2) selects rows in PENDING or FAILED with
// retry_count below maxRetry and no permanent marker, most-recent-first,
// and (3) marks the selection PROCESSING. Two concurrent callers can never
// claim overlapping row sets.
func (s *Store) GetPending(ctx context.Context, batchSize, maxRetry int) ([]Event, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	var selected []Event
	var requeued int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		selected = nil
		requeued = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		staleCutoff := now.Add(-s.staleness)
		res, err := tx.ExecContext(ctx, `
			UPDATE events
			SET status = ?, claimed_at = NULL
			WHERE status = ? AND (claimed_at IS NULL OR claimed_at <= ?);
		`, string(StatusPending), string(StatusProcessing), staleCutoff)
		if err != nil {
			return fmt.Errorf("requeue stale claims: %w", err)
		}
		requeued, _ = res.RowsAffected()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_type, event_timestamp, subject_identity,
				application_name, application_path, window_title,
				work_flag, metadata_json, status, retry_count, permanent,
				created_at, claimed_at, sent_at, error_message
			FROM events
			WHERE status IN (?, ?) AND permanent = 0 AND retry_count < ?
			ORDER BY event_timestamp DESC, id DESC
			LIMIT ?;
		`, string(StatusPending), string(StatusFailed), maxRetry, batchSize)
		if err != nil {
			return fmt.Errorf("select pending events: %w", err)
		}
		for rows.Next() {
			var ev Event
			if err := scanEvent(rows.Scan, &ev); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending event: %w", err)
			}
			selected = append(selected, ev)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("pending event rows: %w", err)
		}
		rows.Close()

		if len(selected) == 0 {
			return tx.Commit()
		}

		ids := make([]int64, len(selected))
		for i := range selected {
			ids[i] = selected[i].ID
		}
		query := fmt.Sprintf(`
			UPDATE events
			SET status = ?, claimed_at = ?
			WHERE id IN (%s) AND status IN (?, ?);
		`, placeholders(len(ids)))
		args := make([]any, 0, len(ids)+4)
		args = append(args, string(StatusProcessing), now)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, string(StatusPending), string(StatusFailed))
		claim, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("claim events: %w", err)
		}
		claimed, err := claim.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if claimed != int64(len(ids)) {
			// A concurrent claimer moved rows under us inside our snapshot;
			// roll back and let the caller retry on its next cycle.
			return fmt.Errorf("claim conflict: wanted %d rows, claimed %d", len(ids), claimed)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		for i := range selected {
			selected[i].Status = StatusProcessing
			claimedAt := now
			selected[i].ClaimedAt = &claimedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requeued > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicStaleRequeued, int(requeued))
	}
	return selected, nil
}

// MarkSent records successful delivery for the given rows.
func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		query := fmt.Sprintf(`
			UPDATE events
			SET status = ?, sent_at = ?, claimed_at = NULL, error_message = NULL
			WHERE id IN (%s) AND status = ?;
		`, placeholders(len(ids)))
		args := make([]any, 0, len(ids)+3)
		args = append(args, string(StatusSent), time.Now().UTC())
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, string(StatusProcessing))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		return nil
	})
}

// MarkFailed records a failed delivery attempt: status FAILED, retry_count
// incremented, reason stored. Rows stay eligible for retry until they hit
// the configured maximum.
func (s *Store) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	return s.markFailed(ctx, ids, reason, false)
}

// MarkFailedPermanent parks rows as permanently failed. They are excluded
// from every future GetPending regardless of retry_count; recovering them
// takes operator intervention, not retries.
func (s *Store) MarkFailedPermanent(ctx context.Context, ids []int64, reason string) error {
	return s.markFailed(ctx, ids, reason, true)
}

func (s *Store) markFailed(ctx context.Context, ids []int64, reason string, permanent bool) error {
	if len(ids) == 0 {
		return nil
	}
	perm := 0
	if permanent {
		perm = 1
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		// Only a claimed row may take the FAILED hop. A row already requeued
		// by stale-claim recovery stays PENDING and keeps its retry_count.
		query := fmt.Sprintf(`
			UPDATE events
			SET status = ?, retry_count = retry_count + 1, permanent = MAX(permanent, ?),
				claimed_at = NULL, error_message = ?
			WHERE id IN (%s) AND status = ?;
		`, placeholders(len(ids)))
		args := make([]any, 0, len(ids)+4)
		args = append(args, string(StatusFailed), perm, reason)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, string(StatusProcessing))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// Cleanup deletes SENT rows older than the retention window.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var deleted int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE status = ? AND sent_at IS NOT NULL AND sent_at <= ?;
		`, string(StatusSent), cutoff)
		if err != nil {
			return fmt.Errorf("retention cleanup: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cleanup rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

// CountPending returns the number of rows awaiting delivery (PENDING plus
// retryable FAILED).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events WHERE status = ? OR (status = ? AND permanent = 0);
	`, string(StatusPending), string(StatusFailed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// CountFailed returns the number of rows in FAILED, permanent included.
func (s *Store) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events WHERE status = ?;
	`, string(StatusFailed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return count, nil
}

type scanFunc func(dest ...any) error

func scanEvent(scan scanFunc, ev *Event) error {
	var (
		eventType string
		status    string
		appName   sql.NullString
		appPath   sql.NullString
		title     sql.NullString
		workFlag  sql.NullInt64
		metadata  sql.NullString
		permanent int
		claimedAt sql.NullTime
		sentAt    sql.NullTime
		errMsg    sql.NullString
	)
	if err := scan(
		&ev.ID, &eventType, &ev.Timestamp, &ev.SubjectIdentity,
		&appName, &appPath, &title,
		&workFlag, &metadata, &status, &ev.RetryCount, &permanent,
		&ev.CreatedAt, &claimedAt, &sentAt, &errMsg,
	); err != nil {
		return err
	}
	ev.Type = EventType(eventType)
	ev.Status = Status(status)
	ev.ApplicationName = appName.String
	ev.ApplicationPath = appPath.String
	ev.WindowTitle = title.String
	ev.Permanent = permanent != 0
	ev.ErrorMessage = errMsg.String
	if claimedAt.Valid {
		t := claimedAt.Time
		ev.ClaimedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		ev.SentAt = &t
	}
	switch {
	case !workFlag.Valid:
		ev.WorkFlag = WorkUnknown
	case workFlag.Int64 == 1:
		ev.WorkFlag = WorkRelated
	default:
		ev.WorkFlag = WorkUnrelated
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
