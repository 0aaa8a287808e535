package queue

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]domain.QueueMessage, 0, len(messages))
	for _, message := range messages {
		copied = append(copied, message)
	}
	p.batches = append(p.batches, copied)
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalMessages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       1 * time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
		Logger:             quietLogger(),
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{
				CommandID: fmt.Sprintf("cmd-%d", index),
				RecordID:  fmt.Sprintf("record-%d", index),
				Status:    domain.StatusDone,
				IssuedAt:  time.Now().UTC().Add(time.Duration(index) * time.Millisecond),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if base.totalMessages() != 10 {
		t.Fatalf("expected 10 enqueued messages, got %d", base.totalMessages())
	}
	if base.batchCount() >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", base.batchCount())
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
		Logger:             quietLogger(),
	})
	defer batcher.Close()

	enqueue := func(commandID, recordID string) chan error {
		done := make(chan error, 1)
		go func() {
			done <- batcher.Enqueue(context.Background(), domain.QueueMessage{
				CommandID: commandID,
				RecordID:  recordID,
				Status:    domain.StatusDone,
				IssuedAt:  time.Now().UTC(),
			})
		}()
		// Let the loop pick the command up before the next one arrives.
		time.Sleep(30 * time.Millisecond)
		return done
	}

	// The first flush holds the only in-flight slot, the second waits for it
	// inside the loop, the third fills the buffer.
	firstDone := enqueue("cmd-first", "record-1")
	secondDone := enqueue("cmd-second", "record-2")
	thirdDone := enqueue("cmd-third", "record-3")

	fourthErr := batcher.Enqueue(context.Background(), domain.QueueMessage{
		CommandID: "cmd-fourth",
		RecordID:  "record-4",
		Status:    domain.StatusDone,
		IssuedAt:  time.Now().UTC(),
	})
	if fourthErr != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", fourthErr)
	}

	close(base.block)
	for name, done := range map[string]chan error{"first": firstDone, "second": secondDone, "third": thirdDone} {
		if err := <-done; err != nil {
			t.Fatalf("%s enqueue failed unexpectedly: %v", name, err)
		}
	}
}

func TestBatchingProducerWritesOnlyNewestCommandPerRecord(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  8,
		FlushInterval: 100 * time.Millisecond,
		Logger:        quietLogger(),
	})
	defer batcher.Close()

	issued := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	messages := []domain.QueueMessage{
		{CommandID: "r1-second", RecordID: "r1", Status: domain.StatusDone, IssuedAt: issued.Add(time.Second)},
		{CommandID: "r1-first", RecordID: "r1", Status: domain.StatusNeedsParts, IssuedAt: issued},
		{CommandID: "r2-only", RecordID: "r2", Status: domain.StatusDone, IssuedAt: issued},
		{CommandID: "r1-third", RecordID: " r1 ", Status: domain.StatusPending, IssuedAt: issued.Add(2 * time.Second)},
	}

	var wg sync.WaitGroup
	for _, message := range messages {
		wg.Add(1)
		go func(message domain.QueueMessage) {
			defer wg.Done()
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue %s failed: %v", message.CommandID, err)
			}
		}(message)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(base.batches))
	}
	written := base.batches[0]
	if len(written) != 2 {
		t.Fatalf("expected one command per record, got %+v", written)
	}
	if written[0].CommandID != "r1-third" || written[0].Status != domain.StatusPending {
		t.Fatalf("expected newest r1 command, got %+v", written[0])
	}
	if written[1].CommandID != "r2-only" {
		t.Fatalf("unexpected second command %+v", written[1])
	}
	if got := batcher.Superseded(); got != 2 {
		t.Fatalf("expected 2 superseded commands, got %d", got)
	}
}

func TestBatchingProducerFlushesPendingOnClose(t *testing.T) {
	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(context.Background(), base, BatchingConfig{
		MaxBatchSize:  8,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})

	done := make(chan error, 1)
	go func() {
		done <- batcher.Enqueue(context.Background(), domain.QueueMessage{CommandID: "c1", RecordID: "r1", Status: domain.StatusDone})
	}()
	time.Sleep(20 * time.Millisecond)
	batcher.Close()

	if err := <-done; err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if base.totalMessages() != 1 {
		t.Fatalf("expected the pending command to be written on close, got %d", base.totalMessages())
	}
	if err := batcher.Enqueue(context.Background(), domain.QueueMessage{RecordID: "r2"}); err != ErrBatchingClosed {
		t.Fatalf("expected ErrBatchingClosed, got %v", err)
	}
}

func TestBatchingProducerOrdersBatchByRecord(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
		Logger:        quietLogger(),
	})
	defer batcher.Close()

	issued := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	messages := []domain.QueueMessage{
		{CommandID: "c", RecordID: "c", Status: domain.StatusDone, IssuedAt: issued},
		{CommandID: "a", RecordID: "a", Status: domain.StatusDone, IssuedAt: issued.Add(time.Second)},
		{CommandID: "b", RecordID: "b", Status: domain.StatusPending, IssuedAt: issued},
	}

	var wg sync.WaitGroup
	for _, message := range messages {
		wg.Add(1)
		go func(message domain.QueueMessage) {
			defer wg.Done()
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(message)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(base.batches))
	}
	got := make([]string, 0, 3)
	for _, message := range base.batches[0] {
		got = append(got, message.CommandID)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected batch order %v, want %v", got, want)
		}
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
