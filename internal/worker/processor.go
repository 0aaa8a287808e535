package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/queue"
)

// ErrStoreNotReady is returned while the record store has not applied its
// first feed event. It wraps queue.ErrNotReady so the retry costs no attempt.
var ErrStoreNotReady = fmt.Errorf("record store not loaded: %w", queue.ErrNotReady)

// RecordWriter is the part of the record store the processor needs.
type RecordWriter interface {
	Loaded() bool
	Record(id string) (domain.JobRecord, bool)
	IssueWrite(ctx context.Context, recordID string, mutation domain.Mutation) error
}

// Processor consumes status commands and applies them through the record
// store, last writer wins per record.
type Processor struct {
	consumer   queue.Consumer
	records    RecordWriter
	logger     *log.Logger
	retryDelay time.Duration

	mu          sync.Mutex
	lastApplied map[string]time.Time
}

func NewProcessor(consumer queue.Consumer, records RecordWriter, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Processor{
		consumer:    consumer,
		records:     records,
		logger:      logger,
		retryDelay:  2 * time.Second,
		lastApplied: make(map[string]time.Time),
	}
}

func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Printf("worker consume loop error: %v", err)

		timer := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	if !p.records.Loaded() {
		return ErrStoreNotReady
	}

	p.mu.Lock()
	last, seen := p.lastApplied[message.RecordID]
	p.mu.Unlock()
	if seen && message.IssuedAt.Before(last) {
		p.logger.Printf("status command ignored command_id=%s record_id=%s reason=stale issued_at=%s last_applied=%s",
			message.CommandID, message.RecordID, message.IssuedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		return nil
	}

	record, ok := p.records.Record(message.RecordID)
	if !ok {
		return fmt.Errorf("apply status command %s: record %s not found", message.CommandID, message.RecordID)
	}

	if domain.NormalizeStatus(record.Status) == domain.NormalizeStatus(message.Status) {
		p.markApplied(message)
		p.logger.Printf("status command ignored command_id=%s record_id=%s reason=unchanged", message.CommandID, message.RecordID)
		return nil
	}

	if err := p.records.IssueWrite(ctx, message.RecordID, domain.StatusMutation(message.Status)); err != nil {
		return fmt.Errorf("apply status command %s: %w", message.CommandID, err)
	}
	p.markApplied(message)
	p.logger.Printf("status command applied command_id=%s record_id=%s status=%q attempt=%d",
		message.CommandID, message.RecordID, message.Status, message.Attempt)
	return nil
}

func (p *Processor) markApplied(message domain.QueueMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if message.IssuedAt.After(p.lastApplied[message.RecordID]) {
		p.lastApplied[message.RecordID] = message.IssuedAt
	}
}
