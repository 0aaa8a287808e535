package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

func testRecord(id, owner, status string) domain.JobRecord {
	return domain.JobRecord{
		ID:      id,
		Address: "12 Elm St",
		Date:    time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		Status:  status,
		OwnerID: owner,
	}
}

func collectDocuments(ctx context.Context, t *testing.T, feed RecordFeed, ownerID string) <-chan []Document {
	t.Helper()
	out := make(chan []Document, 16)
	go func() {
		_ = feed.SubscribeRecords(ctx, ownerID, func(docs []Document) {
			select {
			case out <- docs:
			case <-ctx.Done():
			}
		})
	}()
	return out
}

func waitForDocuments(t *testing.T, ch <-chan []Document, match func([]Document) bool) []Document {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case docs := <-ch:
			if match(docs) {
				return docs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for documents")
			return nil
		}
	}
}

func statusOf(t *testing.T, doc Document) string {
	t.Helper()
	record, err := domain.DecodeRecord(doc.ID, doc.Data)
	if err != nil {
		t.Fatalf("decode %s: %v", doc.ID, err)
	}
	return record.Status
}

func TestMemoryStoreFiltersByOwnerAndPushesWrites(t *testing.T) {
	store := NewMemoryDocumentStore()
	_ = store.PutRecord(testRecord("1", "alice", domain.StatusPending))
	_ = store.PutRecord(testRecord("2", "bob", domain.StatusPending))
	assigned := testRecord("3", "bob", domain.StatusPending)
	assigned.AssigneeID = "alice"
	_ = store.PutRecord(assigned)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := collectDocuments(ctx, t, store, "alice")

	initial := waitForDocuments(t, feed, func(docs []Document) bool { return len(docs) == 2 })
	if initial[0].ID != "1" || initial[1].ID != "3" {
		t.Fatalf("unexpected visible documents: %s, %s", initial[0].ID, initial[1].ID)
	}

	if err := store.SubmitWrite(ctx, "1", domain.StatusMutation(domain.StatusDone)); err != nil {
		t.Fatalf("submit write: %v", err)
	}
	waitForDocuments(t, feed, func(docs []Document) bool {
		return len(docs) == 2 && statusOf(t, docs[0]) == domain.StatusDone
	})
	if store.WriteCount() != 1 {
		t.Fatalf("expected 1 write, got %d", store.WriteCount())
	}
}

func TestMemoryStoreWriteErrors(t *testing.T) {
	store := NewMemoryDocumentStore()
	err := store.SubmitWrite(context.Background(), "missing", domain.StatusMutation(domain.StatusDone))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_ = store.PutRecord(testRecord("1", "alice", domain.StatusPending))
	boom := errors.New("offline")
	store.SetWriteHook(func(string, domain.Mutation) error { return boom })
	if err := store.SubmitWrite(context.Background(), "1", domain.StatusMutation(domain.StatusDone)); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	record, _ := store.Record("1")
	if record.Status != domain.StatusPending {
		t.Fatalf("failed write must not change the document, got %q", record.Status)
	}
}

func TestMemoryStoreIndexFollowsStatusWrites(t *testing.T) {
	store := NewMemoryDocumentStore()
	_ = store.PutRecord(testRecord("1", "alice", domain.StatusPending))
	store.PutIndexEntry(domain.SearchIndexEntry{ID: "1", CompanyID: "acme", Address: "12 Elm St", Status: domain.StatusPending})
	store.PutIndexEntry(domain.SearchIndexEntry{ID: "9", CompanyID: "other", Address: "1 Oak Ave"})

	if err := store.SubmitWrite(context.Background(), "1", domain.StatusMutation(domain.StatusNeedsParts)); err != nil {
		t.Fatalf("submit write: %v", err)
	}
	entries := store.indexFor("acme")
	if len(entries) != 1 || entries[0].Status != domain.StatusNeedsParts {
		t.Fatalf("unexpected index entries: %+v", entries)
	}
}

func TestDirectoryStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDirectoryDocumentStore(dir, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new directory store: %v", err)
	}
	raw, _ := json.Marshal(testRecord("job-1", "alice", domain.StatusPending))
	if err := store.Put("job-1", raw); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := collectDocuments(ctx, t, store, "alice")
	waitForDocuments(t, feed, func(docs []Document) bool { return len(docs) == 1 })

	if err := store.SubmitWrite(ctx, "job-1", domain.StatusMutation(domain.StatusDone)); err != nil {
		t.Fatalf("submit write: %v", err)
	}
	waitForDocuments(t, feed, func(docs []Document) bool {
		return len(docs) == 1 && statusOf(t, docs[0]) == domain.StatusDone
	})

	if err := store.SubmitWrite(ctx, "nope", domain.StatusMutation(domain.StatusDone)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectoryStoreRejectsPathLikeIDs(t *testing.T) {
	store, err := NewDirectoryDocumentStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new directory store: %v", err)
	}
	if err := store.Put("../escape", []byte(`{}`)); !errors.Is(err, domain.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}
