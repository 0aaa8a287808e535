package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

// Mailbox is the durable store-and-forward side of the transport. Every
// envelope occupies its Slot; a newer Put replaces the older payload.
type Mailbox interface {
	Put(ctx context.Context, envelope domain.Envelope) error
	// Restore puts envelopes back after a failed delivery, keeping any newer
	// payload already queued in the same slot.
	Restore(ctx context.Context, envelopes []domain.Envelope) error
	// Drain removes and returns everything queued, oldest first.
	Drain(ctx context.Context) ([]domain.Envelope, error)
	Len(ctx context.Context) (int, error)
}

type mailboxEntry struct {
	Envelope domain.Envelope `json:"envelope"`
	QueuedAt time.Time       `json:"queued_at"`
}

func sortEntries(entries []mailboxEntry) []domain.Envelope {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].QueuedAt.Before(entries[j].QueuedAt)
		}
		return entries[i].Envelope.Slot() < entries[j].Envelope.Slot()
	})
	envelopes := make([]domain.Envelope, 0, len(entries))
	for _, entry := range entries {
		envelopes = append(envelopes, entry.Envelope)
	}
	return envelopes
}

// restoredAt orders restored payloads ahead of oldest, which is the earliest
// entry queued since the drain, keeping their original relative order.
func restoredAt(oldest time.Time, index, count int) time.Time {
	return oldest.Add(time.Duration(index-count) * time.Microsecond)
}

// MemoryMailbox is the fallback mailbox when Redis is not configured.
type MemoryMailbox struct {
	mu    sync.Mutex
	slots map[string]mailboxEntry
	now   func() time.Time
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{slots: make(map[string]mailboxEntry), now: time.Now}
}

func (m *MemoryMailbox) Put(_ context.Context, envelope domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[envelope.Slot()] = mailboxEntry{Envelope: envelope, QueuedAt: m.now()}
	return nil
}

func (m *MemoryMailbox) Restore(_ context.Context, envelopes []domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.now()
	for _, entry := range m.slots {
		if entry.QueuedAt.Before(oldest) {
			oldest = entry.QueuedAt
		}
	}
	for i, envelope := range envelopes {
		slot := envelope.Slot()
		if _, exists := m.slots[slot]; exists {
			continue
		}
		m.slots[slot] = mailboxEntry{Envelope: envelope, QueuedAt: restoredAt(oldest, i, len(envelopes))}
	}
	return nil
}

func (m *MemoryMailbox) Drain(_ context.Context) ([]domain.Envelope, error) {
	m.mu.Lock()
	entries := make([]mailboxEntry, 0, len(m.slots))
	for _, entry := range m.slots {
		entries = append(entries, entry)
	}
	m.slots = make(map[string]mailboxEntry)
	m.mu.Unlock()
	return sortEntries(entries), nil
}

func (m *MemoryMailbox) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots), nil
}
