package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Canonical status values. Status is free-form text; anything other than
// "pending" (after trim + lower-case) counts as completed.
const (
	StatusPending        = "Pending"
	StatusDone           = "Done"
	StatusNeedsParts     = "Needs Parts"
	StatusNeedsQuote     = "Needs Quote"
	StatusNeedsFollowUp  = "Needs Follow-up"
	normalizedPendingKey = "pending"
)

var ErrInvalidRecord = errors.New("invalid job record")

// NormalizeStatus trims and lower-cases a status for comparisons.
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// IsPendingStatus reports whether a status means "not completed".
func IsPendingStatus(status string) bool {
	return NormalizeStatus(status) == normalizedPendingKey
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// JobRecord mirrors one work-order document of the upstream store.
type JobRecord struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"companyId,omitempty"`
	Address      string    `json:"address"`
	Date         time.Time `json:"date"`
	Status       string    `json:"status"`
	OwnerID      string    `json:"ownerId"`
	AssigneeID   string    `json:"assigneeId,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	JobNumber    string    `json:"jobNumber,omitempty"`
	PhotoRefs    []string  `json:"photoRefs,omitempty"`
	DocumentRefs []string  `json:"documentRefs,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`

	// PendingWrite is set by the record store while a local mutation for
	// this record has not been echoed back by the feed.
	PendingWrite bool `json:"-"`
}

func (r JobRecord) IsCompleted() bool {
	return !IsPendingStatus(r.Status)
}

// BelongsTo reports whether userID created or is assigned to the record.
func (r JobRecord) BelongsTo(userID string) bool {
	if userID == "" {
		return false
	}
	return r.OwnerID == userID || r.AssigneeID == userID
}

type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
)

type Attachment struct {
	Kind AttachmentKind
	Ref  string
}

// Attachments lists media references from the declared attachment fields.
func (r JobRecord) Attachments() []Attachment {
	out := make([]Attachment, 0, len(r.PhotoRefs)+len(r.DocumentRefs))
	for _, ref := range r.PhotoRefs {
		out = append(out, Attachment{Kind: AttachmentPhoto, Ref: ref})
	}
	for _, ref := range r.DocumentRefs {
		out = append(out, Attachment{Kind: AttachmentDocument, Ref: ref})
	}
	return out
}

// Clone returns a copy that shares no slices with r.
func (r JobRecord) Clone() JobRecord {
	clone := r
	clone.PhotoRefs = append([]string(nil), r.PhotoRefs...)
	clone.DocumentRefs = append([]string(nil), r.DocumentRefs...)
	if r.Location != nil {
		location := *r.Location
		clone.Location = &location
	}
	return clone
}

// DecodeRecord decodes a raw upstream document. The document key wins when
// the body carries no id of its own.
func DecodeRecord(documentID string, raw []byte) (JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return JobRecord{}, fmt.Errorf("decode record %s: %w", documentID, err)
	}
	if record.ID == "" {
		record.ID = documentID
	}
	if strings.TrimSpace(record.ID) == "" {
		return JobRecord{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if record.Date.IsZero() {
		return JobRecord{}, fmt.Errorf("%w: record %s has no date", ErrInvalidRecord, record.ID)
	}
	return record, nil
}

// SameCalendarDay compares the calendar days of a and b in loc, ignoring
// time of day.
func SameCalendarDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Mutation is a partial update of a JobRecord. Nil fields are untouched.
type Mutation struct {
	Status     *string    `json:"status,omitempty"`
	Address    *string    `json:"address,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
	JobNumber  *string    `json:"jobNumber,omitempty"`
	AssigneeID *string    `json:"assigneeId,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
}

func StatusMutation(status string) Mutation {
	return Mutation{Status: &status}
}

func (m Mutation) IsEmpty() bool {
	return m.Status == nil && m.Address == nil && m.Notes == nil &&
		m.JobNumber == nil && m.AssigneeID == nil && m.Date == nil
}

// Apply returns record with the mutation's fields written over it.
func (m Mutation) Apply(record JobRecord) JobRecord {
	if m.Status != nil {
		record.Status = *m.Status
	}
	if m.Address != nil {
		record.Address = *m.Address
	}
	if m.Notes != nil {
		record.Notes = *m.Notes
	}
	if m.JobNumber != nil {
		record.JobNumber = *m.JobNumber
	}
	if m.AssigneeID != nil {
		record.AssigneeID = *m.AssigneeID
	}
	if m.Date != nil {
		record.Date = *m.Date
	}
	return record
}

// ReflectedIn reports whether every field set by the mutation already holds
// the mutated value in record.
func (m Mutation) ReflectedIn(record JobRecord) bool {
	if m.Status != nil && record.Status != *m.Status {
		return false
	}
	if m.Address != nil && record.Address != *m.Address {
		return false
	}
	if m.Notes != nil && record.Notes != *m.Notes {
		return false
	}
	if m.JobNumber != nil && record.JobNumber != *m.JobNumber {
		return false
	}
	if m.AssigneeID != nil && record.AssigneeID != *m.AssigneeID {
		return false
	}
	if m.Date != nil && !record.Date.Equal(*m.Date) {
		return false
	}
	return true
}

// Merge composes two mutations; fields set in next win.
func (m Mutation) Merge(next Mutation) Mutation {
	merged := m
	if next.Status != nil {
		merged.Status = next.Status
	}
	if next.Address != nil {
		merged.Address = next.Address
	}
	if next.Notes != nil {
		merged.Notes = next.Notes
	}
	if next.JobNumber != nil {
		merged.JobNumber = next.JobNumber
	}
	if next.AssigneeID != nil {
		merged.AssigneeID = next.AssigneeID
	}
	if next.Date != nil {
		merged.Date = next.Date
	}
	return merged
}

// Patch renders the mutation as a document patch keyed like JobRecord's JSON.
func (m Mutation) Patch() map[string]any {
	patch := make(map[string]any, 6)
	if m.Status != nil {
		patch["status"] = *m.Status
	}
	if m.Address != nil {
		patch["address"] = *m.Address
	}
	if m.Notes != nil {
		patch["notes"] = *m.Notes
	}
	if m.JobNumber != nil {
		patch["jobNumber"] = *m.JobNumber
	}
	if m.AssigneeID != nil {
		patch["assigneeId"] = *m.AssigneeID
	}
	if m.Date != nil {
		patch["date"] = m.Date.UTC().Format(time.RFC3339Nano)
	}
	return patch
}
