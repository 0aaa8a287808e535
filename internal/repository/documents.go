package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// Document is one raw upstream record, keyed by its document ID.
type Document struct {
	ID   string
	Data json.RawMessage
}

// RecordFeed pushes the full set of documents visible to an owner on every
// change. SubscribeRecords blocks until ctx ends or the subscription breaks.
type RecordFeed interface {
	SubscribeRecords(ctx context.Context, ownerID string, handler func([]Document)) error
}

// IndexFeed pushes the company-wide sparse projection on every change.
type IndexFeed interface {
	SubscribeIndex(ctx context.Context, companyID string, handler func([]domain.SearchIndexEntry)) error
}

// WriteSubmitter accepts partial mutations for a single record.
type WriteSubmitter interface {
	SubmitWrite(ctx context.Context, recordID string, mutation domain.Mutation) error
}

// DocumentStore is the authoritative store collaborator.
type DocumentStore interface {
	RecordFeed
	IndexFeed
	WriteSubmitter
}

type ownership struct {
	OwnerID    string `json:"ownerId"`
	AssigneeID string `json:"assigneeId"`
}

// visibleTo peeks at ownership fields only. Undecodable documents are
// reported as visible so the consumer gets to log and skip them.
func visibleTo(raw []byte, ownerID string) bool {
	var owner ownership
	if err := json.Unmarshal(raw, &owner); err != nil {
		return true
	}
	return owner.OwnerID == ownerID || owner.AssigneeID == ownerID
}

func applyPatch(raw []byte, mutation domain.Mutation) ([]byte, error) {
	document := make(map[string]any)
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	for key, value := range mutation.Patch() {
		document[key] = value
	}
	document["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return encoded, nil
}

type feedKind int

const (
	feedRecords feedKind = iota
	feedIndex
)

type memorySubscription struct {
	kind   feedKind
	notify chan struct{}
}

// MemoryDocumentStore keeps documents in memory for local development and
// tests. Change notifications are coalesced per subscriber.
type MemoryDocumentStore struct {
	mu         sync.RWMutex
	docs       map[string]json.RawMessage
	order      []string
	index      map[string]domain.SearchIndexEntry
	indexOrder []string
	subs       map[int]*memorySubscription
	nextSubID  int
	writeHook  func(recordID string, mutation domain.Mutation) error
	writeCount int
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:  make(map[string]json.RawMessage),
		index: make(map[string]domain.SearchIndexEntry),
		subs:  make(map[int]*memorySubscription),
	}
}

// Put stores a raw document and notifies subscribers.
func (s *MemoryDocumentStore) Put(id string, raw []byte) {
	s.mu.Lock()
	if _, exists := s.docs[id]; !exists {
		s.order = append(s.order, id)
	}
	s.docs[id] = append(json.RawMessage(nil), raw...)
	s.mu.Unlock()
	s.notify(feedRecords)
}

// PutRecord encodes record and stores it under its ID.
func (s *MemoryDocumentStore) PutRecord(record domain.JobRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.Put(record.ID, raw)
	return nil
}

func (s *MemoryDocumentStore) Delete(id string) {
	s.mu.Lock()
	if _, exists := s.docs[id]; exists {
		delete(s.docs, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	s.notify(feedRecords)
}

func (s *MemoryDocumentStore) PutIndexEntry(entry domain.SearchIndexEntry) {
	s.mu.Lock()
	if _, exists := s.index[entry.ID]; !exists {
		s.indexOrder = append(s.indexOrder, entry.ID)
	}
	s.index[entry.ID] = entry
	s.mu.Unlock()
	s.notify(feedIndex)
}

// SetWriteHook installs a function run before every write; a non-nil error
// fails the write.
func (s *MemoryDocumentStore) SetWriteHook(hook func(recordID string, mutation domain.Mutation) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHook = hook
}

// WriteCount returns the number of successfully applied writes.
func (s *MemoryDocumentStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCount
}

func (s *MemoryDocumentStore) Record(id string) (domain.JobRecord, error) {
	s.mu.RLock()
	raw, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return domain.JobRecord{}, ErrNotFound
	}
	return domain.DecodeRecord(id, raw)
}

func (s *MemoryDocumentStore) SubmitWrite(ctx context.Context, recordID string, mutation domain.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	hook := s.writeHook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(recordID, mutation); err != nil {
			return err
		}
	}

	s.mu.Lock()
	raw, ok := s.docs[recordID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	updated, err := applyPatch(raw, mutation)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[recordID] = updated
	s.writeCount++
	if entry, indexed := s.index[recordID]; indexed && mutation.Status != nil {
		entry.Status = *mutation.Status
		s.index[recordID] = entry
	}
	s.mu.Unlock()

	s.notify(feedRecords)
	s.notify(feedIndex)
	return nil
}

func (s *MemoryDocumentStore) SubscribeRecords(ctx context.Context, ownerID string, handler func([]Document)) error {
	return s.subscribe(ctx, feedRecords, func() {
		handler(s.documentsFor(ownerID))
	})
}

func (s *MemoryDocumentStore) SubscribeIndex(ctx context.Context, companyID string, handler func([]domain.SearchIndexEntry)) error {
	return s.subscribe(ctx, feedIndex, func() {
		handler(s.indexFor(companyID))
	})
}

func (s *MemoryDocumentStore) subscribe(ctx context.Context, kind feedKind, deliver func()) error {
	sub := &memorySubscription{kind: kind, notify: make(chan struct{}, 1)}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	deliver()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.notify:
			deliver()
		}
	}
}

func (s *MemoryDocumentStore) notify(kind feedKind) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.kind != kind {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryDocumentStore) documentsFor(ownerID string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		raw := s.docs[id]
		if !visibleTo(raw, ownerID) {
			continue
		}
		docs = append(docs, Document{ID: id, Data: append(json.RawMessage(nil), raw...)})
	}
	return docs
}

func (s *MemoryDocumentStore) indexFor(companyID string) []domain.SearchIndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.SearchIndexEntry, 0, len(s.indexOrder))
	for _, id := range s.indexOrder {
		entry := s.index[id]
		if companyID != "" && entry.CompanyID != "" && entry.CompanyID != companyID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
