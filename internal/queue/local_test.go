package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(8, 2, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			calls.Add(1)
			return errors.New("record unavailable")
		})
	}()

	if err := q.Enqueue(ctx, domain.QueueMessage{CommandID: "c1", RecordID: "r1", Status: domain.StatusDone}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for q.DLQSize() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never reached the DLQ, calls=%d", calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}

	cancel()
	<-done
}

func TestLocalQueueEnqueueHonoursContext(t *testing.T) {
	q := NewLocalQueue(1, 1, nil)
	_ = q.Enqueue(context.Background(), domain.QueueMessage{RecordID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, domain.QueueMessage{RecordID: "r2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 waiting message, got %d", q.Len())
	}
}

func TestLocalQueueNotReadyRetriesKeepAttempts(t *testing.T) {
	q := NewLocalQueue(8, 2, log.New(io.Discard, "", 0))
	q.retryBase = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	applied := make(chan domain.QueueMessage, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, message domain.QueueMessage) error {
			if calls.Add(1) <= 4 {
				return fmt.Errorf("records still loading: %w", ErrNotReady)
			}
			applied <- message
			return nil
		})
	}()

	if err := q.Enqueue(ctx, domain.QueueMessage{CommandID: "c1", RecordID: "r1", Status: domain.StatusDone}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case message := <-applied:
		if message.Attempt != 0 {
			t.Fatalf("not-ready retries must not spend attempts, got %d", message.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command never applied, calls=%d", calls.Load())
	}
	if q.DLQSize() != 0 {
		t.Fatalf("expected empty DLQ, got %d", q.DLQSize())
	}
}

func TestLocalQueueDeadLetterKeepsReason(t *testing.T) {
	q := NewLocalQueue(8, 1, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			return errors.New("record r1 not found")
		})
	}()
	_ = q.Enqueue(ctx, domain.QueueMessage{CommandID: "c1", RecordID: "r1"})

	deadline := time.Now().Add(2 * time.Second)
	for q.DLQSize() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	letters := q.DeadLetters()
	if letters[0].Message.CommandID != "c1" || letters[0].Reason != "record r1 not found" || letters[0].Message.Attempt != 1 {
		t.Fatalf("unexpected dead letter %+v", letters[0])
	}
}

func TestLocalQueueBackoffDoublesUpToCap(t *testing.T) {
	q := NewLocalQueue(1, 10, nil)
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := q.backoff(i + 1); got != expected {
			t.Fatalf("attempt %d: backoff %s, want %s", i+1, got, expected)
		}
	}
}
