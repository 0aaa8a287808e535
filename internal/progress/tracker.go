// Package progress derives aggregate sync progress from the record store's
// write state.
package progress

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
)

// Derive maps a write state to progress. A drained state (nothing pending,
// nothing in flight) always reports {0,0,0}.
func Derive(state events.WriteState) domain.SyncProgress {
	if state.Pending <= 0 && state.InFlight <= 0 {
		return domain.SyncProgress{}
	}
	total := state.Enqueued
	if total < state.Pending {
		total = state.Pending
	}
	done := total - state.Pending
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	inFlight := state.InFlight
	if inFlight < 0 {
		inFlight = 0
	}
	return domain.SyncProgress{Total: total, Done: done, InFlight: inFlight}
}

// Source is satisfied by records.Store.
type Source interface {
	WriteState() events.WriteState
	WriteStates() *events.Topic[events.WriteState]
}

type Tracker struct {
	logger *log.Logger

	mu      sync.RWMutex
	current domain.SyncProgress
	topic   *events.Topic[domain.SyncProgress]
}

func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Tracker{
		logger: logger,
		topic:  events.NewTopic[domain.SyncProgress](events.NameProgressChanged, events.LatestWins),
	}
}

// Observe recomputes progress and publishes it when any value changed.
func (t *Tracker) Observe(state events.WriteState) (domain.SyncProgress, bool) {
	next := Derive(state)

	t.mu.Lock()
	defer t.mu.Unlock()
	if next == t.current {
		return next, false
	}
	t.current = next
	_ = t.topic.Publish(context.Background(), next)
	return next, true
}

// Run follows source until ctx ends.
func (t *Tracker) Run(ctx context.Context, source Source) error {
	states, cancel := source.WriteStates().Subscribe(1)
	defer cancel()

	t.Observe(source.WriteState())
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-states:
			if next, changed := t.Observe(state); changed {
				t.logger.Printf("sync progress total=%d done=%d in_flight=%d", next.Total, next.Done, next.InFlight)
			}
		}
	}
}

func (t *Tracker) Current() domain.SyncProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Tracker) Subscribe(buffer int) (<-chan domain.SyncProgress, func()) {
	return t.topic.Subscribe(buffer)
}
