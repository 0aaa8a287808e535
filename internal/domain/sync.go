package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxSnapshotItems bounds a DeviceSnapshot.
const MaxSnapshotItems = 50

var ErrInvalidCommand = errors.New("invalid status command")

// SyncProgress is the aggregate write-confirmation progress shown to the UI.
type SyncProgress struct {
	Total    int `json:"total"`
	Done     int `json:"done"`
	InFlight int `json:"inFlight"`
}

// UpToDate reports the "nothing to show" state.
func (p SyncProgress) UpToDate() bool {
	return p.Total == 0
}

// SearchIndexEntry is the sparse, company-wide projection of a record.
type SearchIndexEntry struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId,omitempty"`
	Address   string    `json:"address"`
	JobNumber string    `json:"jobNumber,omitempty"`
	Status    string    `json:"status,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	Date      time.Time `json:"date"`
}

type CorpusSource string

const (
	CorpusSourceRecord CorpusSource = "record"
	CorpusSourceIndex  CorpusSource = "index"
)

// CorpusEntry is one searchable entry of the merged corpus.
type CorpusEntry struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	JobNumber       string       `json:"jobNumber,omitempty"`
	Status          string       `json:"status,omitempty"`
	OwnerID         string       `json:"ownerId,omitempty"`
	AssigneeID      string       `json:"assigneeId,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	Date            time.Time    `json:"date"`
	AttachmentCount int          `json:"attachmentCount"`
	Source          CorpusSource `json:"source"`
}

// SnapshotItem is the per-record projection sent to the companion.
type SnapshotItem struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	Date        string   `json:"date"`
	JobNumber   string   `json:"jobNumber,omitempty"`
	Status      string   `json:"status,omitempty"`
	IsMine      *bool    `json:"isMine,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty"`
	AssigneeIDs []string `json:"assigneeIds,omitempty"`
}

// DeviceSnapshot is a full, self-contained projection for the companion.
type DeviceSnapshot struct {
	SenderID string
	Revision string
	BuiltAt  time.Time
	Items    []SnapshotItem
}

type MessageType string

const (
	MessageJobsSnapshot    MessageType = "jobsSnapshot"
	MessageRequestSnapshot MessageType = "requestSnapshot"
	MessageUpdateStatus    MessageType = "updateStatus"
)

// Envelope is the transport payload shape used in both directions.
type Envelope struct {
	Type          MessageType       `json:"type"`
	Items         []json.RawMessage `json:"items,omitempty"`
	CurrentUserID string            `json:"currentUserId,omitempty"`
	Revision      string            `json:"rev,omitempty"`

	Scope    string   `json:"scope,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Day      string   `json:"day,omitempty"`

	ID        string  `json:"id,omitempty"`
	Status    string  `json:"status,omitempty"`
	TS        float64 `json:"ts,omitempty"`
	CommandID string  `json:"commandId,omitempty"`
}

// Supersedable reports whether a newer payload of the same type fully
// replaces this one.
func (e Envelope) Supersedable() bool {
	return e.Type == MessageJobsSnapshot || e.Type == MessageRequestSnapshot
}

// Slot is the durable mailbox slot this payload occupies. Each slot keeps
// only its latest payload.
func (e Envelope) Slot() string {
	if e.Type == MessageUpdateStatus {
		return string(MessageUpdateStatus) + ":" + e.ID
	}
	return string(e.Type)
}

// Validate checks the required fields for the envelope type.
func (e Envelope) Validate() error {
	switch e.Type {
	case MessageJobsSnapshot:
		if len(e.Items) > MaxSnapshotItems {
			return fmt.Errorf("snapshot carries %d items, limit is %d", len(e.Items), MaxSnapshotItems)
		}
		return nil
	case MessageRequestSnapshot:
		return nil
	case MessageUpdateStatus:
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Status) == "" || e.TS <= 0 {
			return fmt.Errorf("%w: id, status and ts are required", ErrInvalidCommand)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
}

// StatusUpdateCommand is an ephemeral companion→primary status change.
type StatusUpdateCommand struct {
	CommandID string
	RecordID  string
	Status    string
	Timestamp time.Time
}

func (c StatusUpdateCommand) Envelope() Envelope {
	return Envelope{
		Type:      MessageUpdateStatus,
		ID:        c.RecordID,
		Status:    c.Status,
		TS:        EpochSeconds(c.Timestamp),
		CommandID: c.CommandID,
	}
}

// StatusCommand extracts the command carried by an updateStatus envelope.
func (e Envelope) StatusCommand() (StatusUpdateCommand, error) {
	if e.Type != MessageUpdateStatus {
		return StatusUpdateCommand{}, fmt.Errorf("%w: envelope type %s", ErrInvalidCommand, e.Type)
	}
	if err := e.Validate(); err != nil {
		return StatusUpdateCommand{}, err
	}
	return StatusUpdateCommand{
		CommandID: e.CommandID,
		RecordID:  strings.TrimSpace(e.ID),
		Status:    e.Status,
		Timestamp: FromEpochSeconds(e.TS),
	}, nil
}

// EpochSeconds renders t as fractional unix seconds with millisecond precision.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func FromEpochSeconds(ts float64) time.Time {
	return time.UnixMilli(int64(math.Round(ts * 1000))).UTC()
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	CommandID  string    `json:"command_id"`
	RecordID   string    `json:"record_id"`
	Status     string    `json:"status"`
	IssuedAt   time.Time `json:"issued_at"`
	ReceivedAt time.Time `json:"received_at"`
	Attempt    int       `json:"attempt"`
}

func NewQueueMessage(command StatusUpdateCommand, receivedAt time.Time) QueueMessage {
	return QueueMessage{
		CommandID:  command.CommandID,
		RecordID:   command.RecordID,
		Status:     command.Status,
		IssuedAt:   command.Timestamp,
		ReceivedAt: receivedAt,
	}
}
