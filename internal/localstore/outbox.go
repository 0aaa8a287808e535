package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/transport"
)

// Outbox is a transport.Mailbox persisted in the outbox table, so commands
// queued while the primary is away survive a companion restart.
type Outbox struct {
	db  *DB
	now func() time.Time
}

func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db, now: time.Now}
}

func (o *Outbox) Put(ctx context.Context, envelope domain.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox (slot, payload, queued_at) VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload, queued_at = excluded.queued_at`,
		envelope.Slot(), string(payload), o.now().UnixNano())
	if err != nil {
		return fmt.Errorf("put outbox slot: %w", err)
	}
	return nil
}

func (o *Outbox) Restore(ctx context.Context, envelopes []domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	// Restored payloads go ahead of anything queued since the drain.
	var oldest int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MIN(queued_at), ?) FROM outbox`, o.now().UnixNano()).Scan(&oldest); err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	base := oldest - int64(len(envelopes))
	for i, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("encode outbox entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (slot, payload, queued_at) VALUES (?, ?, ?)
			ON CONFLICT(slot) DO NOTHING`,
			envelope.Slot(), string(payload), base+int64(i)); err != nil {
			return fmt.Errorf("restore outbox slot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

func (o *Outbox) Drain(ctx context.Context) ([]domain.Envelope, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT slot, payload FROM outbox ORDER BY queued_at, slot`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	var envelopes []domain.Envelope
	for rows.Next() {
		var slot, payload string
		if err := rows.Scan(&slot, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		var envelope domain.Envelope
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			// Corrupt rows are cleared with the rest.
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return nil, fmt.Errorf("clear outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return envelopes, nil
}

func (o *Outbox) Len(ctx context.Context) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return count, nil
}

var _ transport.Mailbox = (*Outbox)(nil)
