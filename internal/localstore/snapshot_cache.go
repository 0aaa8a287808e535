package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

var ErrNoSnapshot = errors.New("no cached snapshot")

// CachedSnapshot is the last snapshot envelope the companion applied.
type CachedSnapshot struct {
	Envelope domain.Envelope
	SavedAt  time.Time
}

// SnapshotCache keeps exactly one snapshot, replaced on every save.
type SnapshotCache struct {
	db *DB
}

func NewSnapshotCache(db *DB) *SnapshotCache {
	return &SnapshotCache{db: db}
}

func (c *SnapshotCache) Save(ctx context.Context, envelope domain.Envelope, savedAt time.Time) error {
	if envelope.Type != domain.MessageJobsSnapshot {
		return fmt.Errorf("cache %s: not a snapshot", envelope.Type)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshot_cache (id, revision, payload, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET revision = excluded.revision, payload = excluded.payload, saved_at = excluded.saved_at`,
		envelope.Revision, string(payload), savedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (c *SnapshotCache) Load(ctx context.Context) (CachedSnapshot, error) {
	var (
		payload string
		savedAt int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT payload, saved_at FROM snapshot_cache WHERE id = 1`).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedSnapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return CachedSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var envelope domain.Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return CachedSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return CachedSnapshot{Envelope: envelope, SavedAt: time.Unix(0, savedAt).UTC()}, nil
}
