package search

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/records"
	"github.com/iago/jobsync/internal/repository"
)

func TestMergePrefersLocalRecords(t *testing.T) {
	local := []domain.JobRecord{
		{ID: "1", Address: "1 Local St", Notes: "gate", PhotoRefs: []string{"p1"}, DocumentRefs: []string{"d1"}},
	}
	index := []domain.SearchIndexEntry{
		{ID: "1", Address: "1 Stale St"},
		{ID: "2", Address: "2 Index Ave"},
	}

	corpus := Merge(index, local)
	if len(corpus) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(corpus))
	}
	if corpus[0].Address != "1 Local St" || corpus[0].Source != domain.CorpusSourceRecord || corpus[0].AttachmentCount != 2 {
		t.Fatalf("expected full local record first, got %+v", corpus[0])
	}
	if corpus[1].ID != "2" || corpus[1].Source != domain.CorpusSourceIndex {
		t.Fatalf("expected index-only entry second, got %+v", corpus[1])
	}
}

func TestMergeKeepsLocalRecordsMissingFromIndex(t *testing.T) {
	corpus := Merge(nil, []domain.JobRecord{{ID: "new", Address: "fresh"}})
	if len(corpus) != 1 || corpus[0].ID != "new" {
		t.Fatalf("local record dropped: %+v", corpus)
	}
}

func TestMergeNoDuplicatesAndSupersetOfLocal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		local := make([]domain.JobRecord, rng.Intn(12))
		for i := range local {
			local[i] = domain.JobRecord{ID: fmt.Sprintf("r%d", rng.Intn(10))}
		}
		index := make([]domain.SearchIndexEntry, rng.Intn(12))
		for i := range index {
			index[i] = domain.SearchIndexEntry{ID: fmt.Sprintf("r%d", rng.Intn(10))}
		}

		corpus := Merge(index, local)
		seen := make(map[string]domain.CorpusSource)
		for _, entry := range corpus {
			if _, dup := seen[entry.ID]; dup {
				t.Fatalf("round %d: duplicate id %s", round, entry.ID)
			}
			seen[entry.ID] = entry.Source
		}
		for _, record := range local {
			if seen[record.ID] != domain.CorpusSourceRecord {
				t.Fatalf("round %d: local record %s missing or shadowed", round, record.ID)
			}
		}
		for _, entry := range index {
			if _, ok := seen[entry.ID]; !ok {
				t.Fatalf("round %d: index entry %s missing", round, entry.ID)
			}
		}
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	corpus := []domain.CorpusEntry{
		{ID: "1", Address: "12 Elm Street"},
		{ID: "2", Address: "3 Oak Ave", JobNumber: "JOB-77"},
	}
	if got := Match(corpus, "elm"); len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected match %+v", got)
	}
	if got := Match(corpus, "job-77"); len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("unexpected match %+v", got)
	}
	if got := Match(corpus, "  "); len(got) != 2 {
		t.Fatalf("empty query should keep all entries")
	}
}

func TestMergerFollowsBothFeeds(t *testing.T) {
	docs := repository.NewMemoryDocumentStore()
	_ = docs.PutRecord(domain.JobRecord{ID: "1", Address: "1 Mine St", Date: time.Now(), Status: domain.StatusPending, OwnerID: "u1"})
	docs.PutIndexEntry(domain.SearchIndexEntry{ID: "1", CompanyID: "acme", Address: "1 Mine St"})
	docs.PutIndexEntry(domain.SearchIndexEntry{ID: "9", CompanyID: "acme", Address: "9 Colleague Rd"})

	logger := log.New(io.Discard, "", 0)
	store := records.New(records.Config{OwnerID: "u1", Feed: docs, Writer: docs, Logger: logger})
	merger := NewMerger(Config{CompanyID: "acme", Index: docs, Records: store, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Run(ctx) }()
	go func() { _ = merger.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		corpus := merger.Corpus()
		if len(corpus) == 2 && corpus[0].Source == domain.CorpusSourceRecord {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("corpus never converged: %+v", corpus)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
