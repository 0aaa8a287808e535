package search

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
	"github.com/iago/jobsync/internal/repository"
)

// RecordSource is satisfied by records.Store.
type RecordSource interface {
	Records() []domain.JobRecord
	Updates() *events.Topic[events.FeedUpdated]
}

type Config struct {
	CompanyID  string
	Index      repository.IndexFeed
	Records    RecordSource
	Logger     *log.Logger
	RetryDelay time.Duration
}

// Merger keeps the merged corpus current as either source changes.
type Merger struct {
	companyID  string
	index      repository.IndexFeed
	records    RecordSource
	logger     *log.Logger
	retryDelay time.Duration

	mu      sync.RWMutex
	entries []domain.SearchIndexEntry
	local   []domain.JobRecord
	corpus  []domain.CorpusEntry
	topic   *events.Topic[[]domain.CorpusEntry]
}

func NewMerger(cfg Config) *Merger {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Merger{
		companyID:  cfg.CompanyID,
		index:      cfg.Index,
		records:    cfg.Records,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		corpus:     make([]domain.CorpusEntry, 0),
		topic:      events.NewTopic[[]domain.CorpusEntry](events.NameCorpusUpdated, events.LatestWins),
	}
}

func (m *Merger) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		m.followIndex(ctx)
		return nil
	})
	group.Go(func() error {
		m.followRecords(ctx)
		return nil
	})
	return group.Wait()
}

func (m *Merger) followIndex(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.index.SubscribeIndex(ctx, m.companyID, m.SetIndex)
		if err == nil || ctx.Err() != nil {
			return
		}
		m.logger.Printf("index feed error company_id=%s err=%v", m.companyID, err)

		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Merger) followRecords(ctx context.Context) {
	updates, cancel := m.records.Updates().Subscribe(1)
	defer cancel()

	m.SetLocal(m.records.Records())
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			m.SetLocal(update.Records)
		}
	}
}

func (m *Merger) SetIndex(entries []domain.SearchIndexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.rebuildLocked()
}

func (m *Merger) SetLocal(records []domain.JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = records
	m.rebuildLocked()
}

func (m *Merger) rebuildLocked() {
	m.corpus = Merge(m.entries, m.local)
	_ = m.topic.Publish(context.Background(), m.corpus)
}

func (m *Merger) Corpus() []domain.CorpusEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.CorpusEntry(nil), m.corpus...)
}

func (m *Merger) Subscribe(buffer int) (<-chan []domain.CorpusEntry, func()) {
	return m.topic.Subscribe(buffer)
}
