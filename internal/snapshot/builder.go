// Package snapshot builds the bounded "today, mine, pending" projection sent
// to the companion device.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iago/jobsync/internal/domain"
)

// ItemDateLayout always carries milliseconds so receivers can tell the
// encoding apart from whole-second and day-only dates.
const ItemDateLayout = "2006-01-02T15:04:05.000Z07:00"

type Builder struct {
	Limit    int
	Location *time.Location
	Now      func() time.Time
}

func NewBuilder(limit int, loc *time.Location) *Builder {
	if limit <= 0 || limit > domain.MaxSnapshotItems {
		limit = domain.MaxSnapshotItems
	}
	if loc == nil {
		loc = time.Local
	}
	return &Builder{Limit: limit, Location: loc, Now: time.Now}
}

// Build filters records to the owner's pending jobs on today's calendar day
// and keeps at most Limit of them, in input order.
func (b *Builder) Build(records []domain.JobRecord, ownerID string, today time.Time) domain.DeviceSnapshot {
	limit := b.Limit
	if limit <= 0 || limit > domain.MaxSnapshotItems {
		limit = domain.MaxSnapshotItems
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	items := make([]domain.SnapshotItem, 0, limit)
	for _, record := range FilterForDay(records, today, b.Location) {
		if len(items) == limit {
			break
		}
		if !record.BelongsTo(ownerID) || !domain.IsPendingStatus(record.Status) {
			continue
		}
		items = append(items, Project(record, ownerID))
	}

	return domain.DeviceSnapshot{
		SenderID: ownerID,
		Revision: Revision(items),
		BuiltAt:  now().UTC(),
		Items:    items,
	}
}

// Eligible is the full snapshot predicate for a single record.
func Eligible(record domain.JobRecord, ownerID string, today time.Time, loc *time.Location) bool {
	return record.BelongsTo(ownerID) &&
		domain.IsPendingStatus(record.Status) &&
		domain.SameCalendarDay(record.Date, today, loc)
}

// FilterForDay keeps records on day's calendar date in loc, deduplicated by
// ID.
func FilterForDay(records []domain.JobRecord, day time.Time, loc *time.Location) []domain.JobRecord {
	filtered := make([]domain.JobRecord, 0, len(records))
	for _, record := range records {
		if domain.SameCalendarDay(record.Date, day, loc) {
			filtered = append(filtered, record)
		}
	}
	return Dedupe(filtered)
}

// Dedupe keeps the last occurrence of every ID, at that occurrence's
// position.
func Dedupe(records []domain.JobRecord) []domain.JobRecord {
	seen := make(map[string]struct{}, len(records))
	reversed := make([]domain.JobRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if _, dup := seen[records[i].ID]; dup {
			continue
		}
		seen[records[i].ID] = struct{}{}
		reversed = append(reversed, records[i])
	}
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed
}

// Project renders the companion card for record with ownership resolved
// against ownerID.
func Project(record domain.JobRecord, ownerID string) domain.SnapshotItem {
	isMine := record.BelongsTo(ownerID)
	var assignees []string
	if record.AssigneeID != "" {
		assignees = []string{record.AssigneeID}
	}
	return domain.SnapshotItem{
		ID:          record.ID,
		Address:     record.Address,
		Date:        record.Date.UTC().Format(ItemDateLayout),
		JobNumber:   record.JobNumber,
		Status:      record.Status,
		IsMine:      &isMine,
		OwnerID:     record.OwnerID,
		AssigneeIDs: assignees,
	}
}

// Revision fingerprints the items. Equal item lists give equal revisions.
func Revision(items []domain.SnapshotItem) string {
	digest := xxhash.New()
	encoder := json.NewEncoder(digest)
	for _, item := range items {
		_ = encoder.Encode(item)
	}
	return strconv.FormatUint(digest.Sum64(), 16)
}

// Envelope wraps a snapshot for the transport.
func Envelope(snapshot domain.DeviceSnapshot) (domain.Envelope, error) {
	items := make([]json.RawMessage, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		raw, err := json.Marshal(item)
		if err != nil {
			return domain.Envelope{}, fmt.Errorf("encode snapshot item %s: %w", item.ID, err)
		}
		items = append(items, raw)
	}
	envelope := domain.Envelope{
		Type:          domain.MessageJobsSnapshot,
		Items:         items,
		CurrentUserID: snapshot.SenderID,
		Revision:      snapshot.Revision,
	}
	if err := envelope.Validate(); err != nil {
		return domain.Envelope{}, err
	}
	return envelope, nil
}
