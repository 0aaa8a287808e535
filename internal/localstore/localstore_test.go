package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/companion"
	"github.com/iago/jobsync/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func statusEnvelope(id, status string) domain.Envelope {
	return domain.StatusUpdateCommand{
		CommandID: "c-" + id + "-" + status,
		RecordID:  id,
		Status:    status,
		Timestamp: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}.Envelope()
}

func clockFrom(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func TestOutboxReplacesPerSlotAndDrainsOldestFirst(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox(openTestDB(t))
	outbox.now = clockFrom(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))

	_ = outbox.Put(ctx, statusEnvelope("1", "Done"))
	_ = outbox.Put(ctx, statusEnvelope("2", "Done"))
	_ = outbox.Put(ctx, statusEnvelope("1", "Cancelled"))

	count, err := outbox.Len(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected 2 slots, got %d (%v)", count, err)
	}

	envelopes, err := outbox.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(envelopes) != 2 || envelopes[0].ID != "2" || envelopes[1].Status != "Cancelled" {
		t.Fatalf("unexpected drain order %+v", envelopes)
	}
	if count, _ := outbox.Len(ctx); count != 0 {
		t.Fatalf("drain should empty the outbox, %d left", count)
	}
}

func TestOutboxRestoreKeepsNewerPayload(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutbox(openTestDB(t))
	outbox.now = clockFrom(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))

	_ = outbox.Put(ctx, statusEnvelope("1", "Done"))
	_ = outbox.Put(ctx, statusEnvelope("2", "Done"))
	drained, _ := outbox.Drain(ctx)

	_ = outbox.Put(ctx, statusEnvelope("2", "Cancelled"))
	if err := outbox.Restore(ctx, drained); err != nil {
		t.Fatalf("restore: %v", err)
	}

	envelopes, _ := outbox.Drain(ctx)
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].ID != "1" || envelopes[1].Status != "Cancelled" {
		t.Fatalf("restored entries should precede the newer payload, got %+v", envelopes)
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = NewOutbox(db).Put(ctx, statusEnvelope("1", "Done"))
	db.Close()

	reopened, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	envelopes, _ := NewOutbox(reopened).Drain(ctx)
	if len(envelopes) != 1 || envelopes[0].CommandID != "c-1-Done" {
		t.Fatalf("unexpected envelopes after reopen %+v", envelopes)
	}
}

func TestSnapshotCacheKeepsLatest(t *testing.T) {
	ctx := context.Background()
	cache := NewSnapshotCache(openTestDB(t))

	if _, err := cache.Load(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	item := json.RawMessage(`{"id":"1","address":"1 Main"}`)
	savedAt := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for _, rev := range []string{"r1", "r2"} {
		envelope := domain.Envelope{Type: domain.MessageJobsSnapshot, Items: []json.RawMessage{item}, Revision: rev}
		if err := cache.Save(ctx, envelope, savedAt); err != nil {
			t.Fatalf("save %s: %v", rev, err)
		}
	}

	cached, err := cache.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cached.Envelope.Revision != "r2" || len(cached.Envelope.Items) != 1 || !cached.SavedAt.Equal(savedAt) {
		t.Fatalf("unexpected cached snapshot %+v", cached)
	}

	if err := cache.Save(ctx, domain.Envelope{Type: domain.MessageRequestSnapshot}, savedAt); err == nil {
		t.Fatalf("non-snapshot envelopes should be rejected")
	}
}

func TestPendingStatusStoreReplacesSetAndSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store := NewPendingStatusStore(db)

	applied := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	delivered := applied.Add(time.Minute)
	_ = store.Save(ctx, []companion.PendingStatus{
		{JobID: "1", Status: domain.StatusDone, AppliedAt: applied},
		{JobID: "3", Status: domain.StatusDone, AppliedAt: applied},
	})
	if err := store.Save(ctx, []companion.PendingStatus{
		{JobID: "2", Status: "Cancelled", AppliedAt: applied, DeliveredAt: delivered},
		{JobID: "1", Status: domain.StatusDone, AppliedAt: applied},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	db.Close()

	reopened, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	loaded, err := NewPendingStatusStore(reopened).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].JobID != "1" || loaded[1].JobID != "2" {
		t.Fatalf("unexpected pending set %+v", loaded)
	}
	if !loaded[0].DeliveredAt.IsZero() || !loaded[0].AppliedAt.Equal(applied) {
		t.Fatalf("undelivered change should keep a zero delivery time, got %+v", loaded[0])
	}
	if !loaded[1].DeliveredAt.Equal(delivered) || loaded[1].Status != "Cancelled" {
		t.Fatalf("unexpected delivered change %+v", loaded[1])
	}

	if err := NewPendingStatusStore(reopened).Save(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if loaded, _ := NewPendingStatusStore(reopened).Load(ctx); len(loaded) != 0 {
		t.Fatalf("empty save should clear the set, got %+v", loaded)
	}
}
