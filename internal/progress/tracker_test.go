package progress

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
	"github.com/iago/jobsync/internal/records"
	"github.com/iago/jobsync/internal/repository"
)

func TestDeriveClampsAndDrains(t *testing.T) {
	cases := []struct {
		name  string
		state events.WriteState
		want  domain.SyncProgress
	}{
		{"drained", events.WriteState{Enqueued: 5}, domain.SyncProgress{}},
		{"all pending", events.WriteState{Enqueued: 3, Pending: 3, InFlight: 3}, domain.SyncProgress{Total: 3, Done: 0, InFlight: 3}},
		{"partially confirmed", events.WriteState{Enqueued: 3, Pending: 1}, domain.SyncProgress{Total: 3, Done: 2}},
		{"stale enqueued count", events.WriteState{Enqueued: 1, Pending: 4, InFlight: 1}, domain.SyncProgress{Total: 4, Done: 0, InFlight: 1}},
		{"in flight only", events.WriteState{Enqueued: 2, InFlight: 1}, domain.SyncProgress{Total: 2, Done: 2, InFlight: 1}},
	}
	for _, tc := range cases {
		if got := Derive(tc.state); got != tc.want {
			t.Fatalf("%s: Derive(%+v) = %+v, want %+v", tc.name, tc.state, got, tc.want)
		}
	}
}

func TestDeriveDoneNeverExceedsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		state := events.WriteState{
			Enqueued: rng.Intn(20) - 2,
			Pending:  rng.Intn(20) - 2,
			InFlight: rng.Intn(5) - 1,
		}
		got := Derive(state)
		if got.Done < 0 || got.Done > got.Total {
			t.Fatalf("invariant broken for %+v: %+v", state, got)
		}
	}
}

func TestTrackerPublishesOnlyChanges(t *testing.T) {
	tracker := NewTracker(log.New(io.Discard, "", 0))
	ch, cancel := tracker.Subscribe(4)
	defer cancel()

	if _, changed := tracker.Observe(events.WriteState{}); changed {
		t.Fatalf("zero state should not be a change")
	}
	if _, changed := tracker.Observe(events.WriteState{Enqueued: 1, Pending: 1, InFlight: 1}); !changed {
		t.Fatalf("expected change")
	}
	if _, changed := tracker.Observe(events.WriteState{Enqueued: 1, Pending: 1, InFlight: 1}); changed {
		t.Fatalf("identical state should not publish")
	}

	select {
	case got := <-ch:
		if got.Total != 1 || got.InFlight != 1 {
			t.Fatalf("unexpected progress %+v", got)
		}
	default:
		t.Fatalf("expected a progress event")
	}
}

func TestTrackerFollowsRecordStore(t *testing.T) {
	docs := repository.NewMemoryDocumentStore()
	for _, id := range []string{"1", "2", "3"} {
		_ = docs.PutRecord(domain.JobRecord{ID: id, Address: "a", Date: time.Now(), Status: domain.StatusPending, OwnerID: "u1"})
	}
	gate := make(chan struct{})
	docs.SetWriteHook(func(string, domain.Mutation) error {
		<-gate
		return nil
	})

	store := records.New(records.Config{OwnerID: "u1", Feed: docs, Writer: docs, Logger: log.New(io.Discard, "", 0)})
	tracker := NewTracker(log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Run(ctx) }()
	go func() { _ = tracker.Run(ctx, store) }()
	waitFor(t, store.Loaded)

	for _, id := range []string{"1", "2", "3"} {
		if err := store.IssueWrite(ctx, id, domain.StatusMutation(domain.StatusDone)); err != nil {
			t.Fatalf("issue write: %v", err)
		}
	}
	waitFor(t, func() bool {
		current := tracker.Current()
		return current.Total == 3 && current.InFlight == 3
	})

	close(gate)
	waitFor(t, func() bool { return tracker.Current() == (domain.SyncProgress{}) })
	if len(store.PendingIDs()) != 0 {
		raw, _ := json.Marshal(store.PendingIDs())
		t.Fatalf("expected all writes confirmed, still pending %s", raw)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
