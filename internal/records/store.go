// Package records mirrors the authoritative record collection for one owner
// and tracks which records carry a local write the feed has not echoed yet.
package records

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
	"github.com/iago/jobsync/internal/repository"
)

var (
	ErrEmptyMutation = errors.New("empty mutation")
	ErrUnknownRecord = errors.New("unknown record")
)

type Config struct {
	OwnerID      string
	Feed         repository.RecordFeed
	Writer       repository.WriteSubmitter
	Logger       *log.Logger
	WriteTimeout time.Duration
	RetryDelay   time.Duration
	Now          func() time.Time
}

type pendingWrite struct {
	mutation domain.Mutation
	inFlight int
	failed   bool
}

// Store is the in-memory record mirror. Feed events replace the record set
// atomically; IssueWrite adds to the pending set synchronously and submits
// upstream asynchronously, serialized per record ID.
type Store struct {
	ownerID      string
	feed         repository.RecordFeed
	writer       repository.WriteSubmitter
	logger       *log.Logger
	writeTimeout time.Duration
	retryDelay   time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	records  map[string]domain.JobRecord
	order    []string
	loaded   bool
	pending  map[string]*pendingWrite
	enqueued map[string]struct{}
	inFlight int

	serial      *serialQueue
	updates     *events.Topic[events.FeedUpdated]
	writeStates *events.Topic[events.WriteState]
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		ownerID:      cfg.OwnerID,
		feed:         cfg.Feed,
		writer:       cfg.Writer,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		retryDelay:   cfg.RetryDelay,
		now:          cfg.Now,
		records:      make(map[string]domain.JobRecord),
		pending:      make(map[string]*pendingWrite),
		enqueued:     make(map[string]struct{}),
		serial:       newSerialQueue(),
		updates:      events.NewTopic[events.FeedUpdated](events.NameFeedUpdated, events.LatestWins),
		writeStates:  events.NewTopic[events.WriteState](events.NameWriteState, events.LatestWins),
	}
}

func (s *Store) OwnerID() string {
	return s.ownerID
}

func (s *Store) Updates() *events.Topic[events.FeedUpdated] {
	return s.updates
}

func (s *Store) WriteStates() *events.Topic[events.WriteState] {
	return s.writeStates
}

// Run keeps a feed subscription open until ctx ends. Subscription errors are
// logged and retried; the last applied record set stays in place meanwhile.
func (s *Store) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.feed.SubscribeRecords(ctx, s.ownerID, s.applyDocuments)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		s.logger.Printf("record feed error owner_id=%s err=%v", s.ownerID, err)

		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Store) applyDocuments(docs []repository.Document) {
	records := make(map[string]domain.JobRecord, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		record, err := domain.DecodeRecord(doc.ID, doc.Data)
		if err != nil {
			s.logger.Printf("record decode skipped doc_id=%s err=%v", doc.ID, err)
			continue
		}
		if _, seen := records[record.ID]; !seen {
			order = append(order, record.ID)
		}
		records[record.ID] = record
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = records
	s.order = order
	s.loaded = true

	for id, entry := range s.pending {
		record, present := records[id]
		switch {
		case present && entry.mutation.ReflectedIn(record):
			delete(s.pending, id)
		case !present && entry.inFlight == 0:
			s.logger.Printf("pending write retired record_id=%s reason=gone", id)
			delete(s.pending, id)
		}
	}
	s.drainLocked()
	s.publishLocked()
}

// IssueWrite marks recordID pending and submits mutation upstream in the
// background. The entry is retired when a later feed event reflects the
// mutation, not when the write call returns.
func (s *Store) IssueWrite(ctx context.Context, recordID string, mutation domain.Mutation) error {
	recordID = strings.TrimSpace(recordID)
	if mutation.IsEmpty() {
		return ErrEmptyMutation
	}

	s.mu.Lock()
	if _, ok := s.records[recordID]; !ok || recordID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownRecord, recordID)
	}
	entry := s.pending[recordID]
	if entry == nil {
		entry = &pendingWrite{}
		s.pending[recordID] = entry
	}
	entry.mutation = entry.mutation.Merge(mutation)
	entry.inFlight++
	s.enqueued[recordID] = struct{}{}
	s.inFlight++
	s.publishLocked()
	s.mu.Unlock()

	writeCtx := context.WithoutCancel(ctx)
	s.serial.Submit(recordID, func() {
		s.submit(writeCtx, recordID, mutation, entry)
	})
	return nil
}

func (s *Store) submit(ctx context.Context, recordID string, mutation domain.Mutation, entry *pendingWrite) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	err := s.writer.SubmitWrite(ctx, recordID, mutation)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	entry.inFlight--
	if err != nil {
		entry.failed = true
		s.logger.Printf("record write failed record_id=%s err=%v", recordID, err)
	}
	if s.pending[recordID] == entry && entry.inFlight == 0 {
		_, present := s.records[recordID]
		switch {
		case entry.failed:
			delete(s.pending, recordID)
		case !present:
			s.logger.Printf("pending write retired record_id=%s reason=gone", recordID)
			delete(s.pending, recordID)
		}
	}
	s.drainLocked()
	s.publishLocked()
}

// Flush waits until no write call is in flight.
func (s *Store) Flush(ctx context.Context) error {
	states, cancel := s.writeStates.Subscribe(1)
	defer cancel()
	for {
		if s.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-states:
		}
	}
}

func (s *Store) drainLocked() {
	if len(s.pending) == 0 && s.inFlight == 0 && len(s.enqueued) > 0 {
		s.enqueued = make(map[string]struct{})
	}
}

func (s *Store) writeStateLocked() events.WriteState {
	return events.WriteState{
		Enqueued: len(s.enqueued),
		Pending:  len(s.pending),
		InFlight: s.inFlight,
	}
}

// publishLocked never blocks: both topics are LatestWins. Publishing under
// the lock keeps subscribers from seeing states out of order.
func (s *Store) publishLocked() {
	_ = s.writeStates.Publish(context.Background(), s.writeStateLocked())
	_ = s.updates.Publish(context.Background(), events.FeedUpdated{
		Records: s.recordsLocked(),
		Pending: s.pendingIDsLocked(),
		At:      s.now().UTC(),
	})
}

// Records returns the mirrored records in feed order with pending mutations
// overlaid.
func (s *Store) Records() []domain.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordsLocked()
}

func (s *Store) recordsLocked() []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.viewLocked(id))
	}
	return out
}

func (s *Store) viewLocked(id string) domain.JobRecord {
	record := s.records[id].Clone()
	if entry, ok := s.pending[id]; ok {
		record = entry.mutation.Apply(record)
		record.PendingWrite = true
	}
	return record
}

func (s *Store) Record(id string) (domain.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[id]; !ok {
		return domain.JobRecord{}, false
	}
	return s.viewLocked(id), true
}

func (s *Store) IsPending(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Store) PendingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingIDsLocked()
}

func (s *Store) pendingIDsLocked() []string {
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Store) WriteState() events.WriteState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeStateLocked()
}

// Loaded reports whether at least one feed event has been applied.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}
