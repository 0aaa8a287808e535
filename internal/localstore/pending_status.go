package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/jobsync/internal/companion"
)

// PendingStatusStore persists the mirror's unconfirmed status changes so they
// keep showing after a restart until a snapshot confirms them.
type PendingStatusStore struct {
	db *DB
}

func NewPendingStatusStore(db *DB) *PendingStatusStore {
	return &PendingStatusStore{db: db}
}

// Save replaces the stored set with pending.
func (s *PendingStatusStore) Save(ctx context.Context, pending []companion.PendingStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save pending: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_status`); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	for _, status := range pending {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_status (job_id, status, applied_at, delivered_at) VALUES (?, ?, ?, ?)`,
			status.JobID, status.Status, status.AppliedAt.UnixNano(), unixNano(status.DeliveredAt)); err != nil {
			return fmt.Errorf("save pending job_id=%s: %w", status.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save pending: %w", err)
	}
	return nil
}

func (s *PendingStatusStore) Load(ctx context.Context) ([]companion.PendingStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, status, applied_at, delivered_at FROM pending_status ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []companion.PendingStatus
	for rows.Next() {
		var (
			status               companion.PendingStatus
			appliedAt, delivered int64
		)
		if err := rows.Scan(&status.JobID, &status.Status, &appliedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		status.AppliedAt = time.Unix(0, appliedAt).UTC()
		if delivered != 0 {
			status.DeliveredAt = time.Unix(0, delivered).UTC()
		}
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
