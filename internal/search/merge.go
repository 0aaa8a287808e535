// Package search unifies the sparse company-wide index with the owner's full
// records into a single searchable corpus.
package search

import (
	"strings"

	"github.com/iago/jobsync/internal/domain"
)

// Merge returns exactly one entry per ID. Local records come first, in input
// order, and always win over an index projection with the same ID; index-only
// entries follow in index order. A later duplicate within one source replaces
// the earlier value.
func Merge(index []domain.SearchIndexEntry, local []domain.JobRecord) []domain.CorpusEntry {
	corpus := make([]domain.CorpusEntry, 0, len(local)+len(index))
	positions := make(map[string]int, len(local)+len(index))

	for _, record := range local {
		entry := fromRecord(record)
		if at, seen := positions[entry.ID]; seen {
			corpus[at] = entry
			continue
		}
		positions[entry.ID] = len(corpus)
		corpus = append(corpus, entry)
	}

	localCount := len(corpus)
	for _, projection := range index {
		at, seen := positions[projection.ID]
		if seen && at < localCount {
			continue
		}
		entry := fromIndex(projection)
		if seen {
			corpus[at] = entry
			continue
		}
		positions[entry.ID] = len(corpus)
		corpus = append(corpus, entry)
	}
	return corpus
}

func fromRecord(record domain.JobRecord) domain.CorpusEntry {
	return domain.CorpusEntry{
		ID:              record.ID,
		Address:         record.Address,
		JobNumber:       record.JobNumber,
		Status:          record.Status,
		OwnerID:         record.OwnerID,
		AssigneeID:      record.AssigneeID,
		Notes:           record.Notes,
		Date:            record.Date,
		AttachmentCount: len(record.Attachments()),
		Source:          domain.CorpusSourceRecord,
	}
}

func fromIndex(entry domain.SearchIndexEntry) domain.CorpusEntry {
	return domain.CorpusEntry{
		ID:        entry.ID,
		Address:   entry.Address,
		JobNumber: entry.JobNumber,
		Status:    entry.Status,
		OwnerID:   entry.OwnerID,
		Date:      entry.Date,
		Source:    domain.CorpusSourceIndex,
	}
}

// Match keeps entries whose address, job number or notes contain query,
// ignoring case. An empty query keeps everything.
func Match(corpus []domain.CorpusEntry, query string) []domain.CorpusEntry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return corpus
	}
	out := make([]domain.CorpusEntry, 0)
	for _, entry := range corpus {
		if strings.Contains(strings.ToLower(entry.Address), query) ||
			strings.Contains(strings.ToLower(entry.JobNumber), query) ||
			strings.Contains(strings.ToLower(entry.Notes), query) {
			out = append(out, entry)
		}
	}
	return out
}
