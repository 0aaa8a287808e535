// Package companion holds the companion device's view of the primary's
// snapshot and the optimistic status changes made on the companion.
package companion

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/iago/jobsync/internal/identity"
)

var ErrUnknownJob = errors.New("job not in mirror")

// Job is one decoded snapshot entry.
type Job struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Date        time.Time `json:"date"`
	DateSource  string    `json:"dateSource"`
	JobNumber   string    `json:"jobNumber,omitempty"`
	Status      string    `json:"status,omitempty"`
	IsMine      bool      `json:"isMine"`
	OwnerID     string    `json:"ownerId,omitempty"`
	AssigneeIDs []string  `json:"assigneeIds,omitempty"`
	// Optimistic is set while a local status change awaits confirmation.
	Optimistic bool `json:"optimistic,omitempty"`
}

// DateSourceReceived marks entries whose date could not be parsed.
const DateSourceReceived = "receive-time"

// PendingStatus is an optimistic status change awaiting confirmation by a
// snapshot. DeliveredAt stays zero while the command is still queued.
type PendingStatus struct {
	JobID       string
	Status      string
	AppliedAt   time.Time
	DeliveredAt time.Time
}

type overlay struct {
	PendingStatus
	// previous is the overlay this one replaced, restored on revert.
	previous *overlay
}

// expired reports whether the primary had overlayTTL since delivery to echo
// the change and did not. Undelivered overlays never expire.
func (o overlay) expired(now time.Time, ttl time.Duration) bool {
	return !o.DeliveredAt.IsZero() && !now.Before(o.DeliveredAt.Add(ttl))
}

type Config struct {
	Identity identity.Provider
	Location *time.Location
	// OverlayTTL bounds how long a delivered but unconfirmed status change
	// is shown.
	OverlayTTL time.Duration
	Now        func() time.Time
	Logger     *log.Logger
}

type Mirror struct {
	identity   identity.Provider
	loc        *time.Location
	overlayTTL time.Duration
	now        func() time.Time
	logger     *log.Logger

	mu        sync.RWMutex
	jobs      []Job
	revision  string
	hasData   bool
	updatedAt time.Time
	overlays  map[string]overlay

	topic *events.Topic[[]Job]
}

func NewMirror(cfg Config) *Mirror {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Mirror{
		identity:   cfg.Identity,
		loc:        cfg.Location,
		overlayTTL: cfg.OverlayTTL,
		now:        cfg.Now,
		logger:     cfg.Logger,
		overlays:   make(map[string]overlay),
		topic:      events.NewTopic[[]Job](events.NameMirrorChanged, events.LatestWins),
	}
}

// Apply replaces the mirror with the entries of a jobsSnapshot envelope. It
// reports false when the envelope carries the revision already held.
func (m *Mirror) Apply(ctx context.Context, envelope domain.Envelope, receivedAt time.Time) (bool, error) {
	if envelope.Type != domain.MessageJobsSnapshot {
		return false, fmt.Errorf("apply %s: not a snapshot", envelope.Type)
	}

	m.mu.RLock()
	unchanged := m.hasData && envelope.Revision != "" && envelope.Revision == m.revision
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	localID := identity.Lookup(ctx, m.identity)
	jobs := make([]Job, 0, len(envelope.Items))
	for i, raw := range envelope.Items {
		fields, err := decodeFields(raw)
		if err != nil {
			m.logger.Printf("snapshot item skipped index=%d err=%v", i, err)
			continue
		}
		job, err := m.decodeItem(fields, receivedAt)
		if err != nil {
			m.logger.Printf("snapshot item skipped index=%d err=%v", i, err)
			continue
		}
		job.IsMine = ResolveIsMine(fields, localID, envelope.CurrentUserID)
		if !job.IsMine {
			continue
		}
		jobs = append(jobs, job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = jobs
	m.revision = envelope.Revision
	m.hasData = true
	m.updatedAt = receivedAt
	m.reconcileOverlaysLocked()
	m.publishLocked()
	return true, nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	fields := make(map[string]any)
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return fields, nil
}

func (m *Mirror) decodeItem(fields map[string]any, receivedAt time.Time) (Job, error) {
	id, _ := fields["id"].(string)
	address, _ := fields["address"].(string)
	if strings.TrimSpace(id) == "" || strings.TrimSpace(address) == "" {
		return Job{}, errors.New("id and address are required")
	}

	job := Job{ID: strings.TrimSpace(id), Address: address}
	job.JobNumber, _ = fields["jobNumber"].(string)
	job.Status, _ = fields["status"].(string)
	job.OwnerID, _ = fields["ownerId"].(string)
	job.AssigneeIDs = stringList(fields["assigneeIds"])

	job.DateSource = DateSourceReceived
	job.Date = receivedAt
	for _, key := range []string{"date", "dateISO", "timestamp"} {
		value, present := fields[key]
		if !present {
			continue
		}
		if parsed, strategy, ok := ParseDate(value, m.loc); ok {
			job.Date = parsed
			job.DateSource = strategy
			break
		}
	}
	return job, nil
}

func stringList(raw any) []string {
	values, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResolveIsMine honours a sender-resolved flag when present. Otherwise it
// compares ownership against the local identity, then the sender identity,
// and includes the entry when neither is known or the entry carries no
// ownership fields.
func ResolveIsMine(fields map[string]any, localID, senderID string) bool {
	if value, ok := fields["isMine"].(bool); ok {
		return value
	}
	if value, ok := fields["assignedToMe"].(bool); ok {
		return value
	}

	me := strings.TrimSpace(localID)
	if me == "" {
		me = strings.TrimSpace(senderID)
	}
	if me == "" {
		return true
	}

	owner, hasOwner := fields["ownerId"].(string)
	assignees := stringList(fields["assigneeIds"])
	if !hasOwner && len(assignees) == 0 {
		return true
	}
	if owner == me {
		return true
	}
	for _, assignee := range assignees {
		if assignee == me {
			return true
		}
	}
	return false
}

// ApplyLocalStatus records an optimistic status change for id.
func (m *Mirror) ApplyLocalStatus(id, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.containsLocked(id) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	next := overlay{PendingStatus: PendingStatus{JobID: id, Status: status, AppliedAt: at}}
	if current, ok := m.overlays[id]; ok {
		// Reverts follow a failed send of the newest change; one level is enough.
		current.previous = nil
		next.previous = &current
	}
	m.overlays[id] = next
	m.publishLocked()
	return nil
}

// RevertLocalStatus undoes the change ApplyLocalStatus made at the given
// time, restoring whatever overlay it replaced. Later changes are kept.
func (m *Mirror) RevertLocalStatus(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.overlays[id]
	if !ok || !current.AppliedAt.Equal(at) {
		return
	}
	if current.previous != nil {
		m.overlays[id] = *current.previous
	} else {
		delete(m.overlays, id)
	}
	m.publishLocked()
}

// MarkDelivered starts the expiry clock of the overlay for id once the
// command issued at issuedAt reached the primary. Commands carry millisecond
// timestamps. It reports whether an overlay changed.
func (m *Mirror) MarkDelivered(id string, issuedAt, deliveredAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.overlays[id]
	if !ok || !current.DeliveredAt.IsZero() {
		return false
	}
	if current.AppliedAt.Truncate(time.Millisecond).After(issuedAt) {
		// A newer change is still on its way.
		return false
	}
	current.DeliveredAt = deliveredAt
	current.previous = nil
	m.overlays[id] = current
	return true
}

// PendingStatuses lists the current overlays ordered by job ID.
func (m *Mirror) PendingStatuses() []PendingStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PendingStatus, 0, len(m.overlays))
	for _, pending := range m.overlays {
		out = append(out, pending.PendingStatus)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// RestorePendingStatuses reinstates persisted overlays, dropping those the
// current entries already confirm.
func (m *Mirror) RestorePendingStatuses(pending []PendingStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, status := range pending {
		if status.JobID == "" {
			continue
		}
		m.overlays[status.JobID] = overlay{PendingStatus: status}
	}
	m.reconcileOverlaysLocked()
	m.publishLocked()
}

// Refresh republishes TodaysJobs, e.g. after the local date changed.
func (m *Mirror) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileOverlaysLocked()
	m.publishLocked()
}

// NextExpiry is the earliest moment a delivered, unconfirmed change stops
// being shown.
func (m *Mirror) NextExpiry() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var next time.Time
	for _, pending := range m.overlays {
		if pending.DeliveredAt.IsZero() {
			continue
		}
		at := pending.DeliveredAt.Add(m.overlayTTL)
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

func (m *Mirror) Location() *time.Location {
	return m.loc
}

func (m *Mirror) containsLocked(id string) bool {
	for _, job := range m.jobs {
		if job.ID == id {
			return true
		}
	}
	return false
}

// reconcileOverlaysLocked drops delivered overlays the primary never echoed
// and, once entries are loaded, overlays the entries confirm or no longer
// list.
func (m *Mirror) reconcileOverlaysLocked() {
	now := m.now()
	byID := make(map[string]Job, len(m.jobs))
	for _, job := range m.jobs {
		byID[job.ID] = job
	}
	for id, pending := range m.overlays {
		if pending.expired(now, m.overlayTTL) {
			m.logger.Printf("optimistic status expired job_id=%s status=%q delivered_at=%s",
				id, pending.Status, pending.DeliveredAt.Format(time.RFC3339))
			delete(m.overlays, id)
			continue
		}
		if !m.hasData {
			continue
		}
		job, present := byID[id]
		if !present || domain.NormalizeStatus(job.Status) == domain.NormalizeStatus(pending.Status) {
			delete(m.overlays, id)
		}
	}
}

func (m *Mirror) viewLocked() []Job {
	now := m.now()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if pending, ok := m.overlays[job.ID]; ok && !pending.expired(now, m.overlayTTL) {
			job.Status = pending.Status
			job.Optimistic = true
		}
		job.AssigneeIDs = append([]string(nil), job.AssigneeIDs...)
		out = append(out, job)
	}
	return out
}

func (m *Mirror) todaysLocked() []Job {
	now := m.now()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.viewLocked() {
		if domain.IsPendingStatus(job.Status) && domain.SameCalendarDay(job.Date, now, m.loc) {
			out = append(out, job)
		}
	}
	return out
}

func (m *Mirror) publishLocked() {
	_ = m.topic.Publish(context.Background(), m.todaysLocked())
}

// Jobs returns every mirrored entry with optimistic overlays applied.
func (m *Mirror) Jobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewLocked()
}

// TodaysJobs keeps pending entries dated today in the companion's calendar.
func (m *Mirror) TodaysJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.todaysLocked()
}

func (m *Mirror) HasData() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasData
}

func (m *Mirror) Revision() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

func (m *Mirror) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// Subscribe delivers TodaysJobs after every change.
func (m *Mirror) Subscribe(buffer int) (<-chan []Job, func()) {
	return m.topic.Subscribe(buffer)
}
