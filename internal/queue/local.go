package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

// ErrNotReady marks a handler failure that says nothing about the command
// itself. Such commands are retried without spending an attempt.
var ErrNotReady = errors.New("consumer not ready")

// DeadLetter is a status command that exhausted its attempts.
type DeadLetter struct {
	Message domain.QueueMessage
	Reason  string
	MovedAt time.Time
}

// LocalQueue is the in-process status command queue used when Redis is not
// configured. Nothing survives a restart.
type LocalQueue struct {
	ch          chan domain.QueueMessage
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	logger      *log.Logger

	mu          sync.Mutex
	waiting     int
	deadLetters []DeadLetter
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &LocalQueue{
		ch:          make(chan domain.QueueMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryBase:   500 * time.Millisecond,
		retryMax:    5 * time.Second,
		logger:      logger,
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Consume hands each command to handler until ctx ends. Failed commands come
// back after a backoff that doubles per attempt.
func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	for {
		var message domain.QueueMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message = <-q.ch:
		}

		err := handler(ctx, message)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotReady):
			q.retryLater(ctx, message, q.retryBase)
		default:
			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.deadLetter(message, err)
				continue
			}
			q.retryLater(ctx, message, q.backoff(message.Attempt))
		}
	}
}

func (q *LocalQueue) backoff(attempt int) time.Duration {
	delay := q.retryBase << (attempt - 1)
	if delay <= 0 || delay > q.retryMax {
		return q.retryMax
	}
	return delay
}

func (q *LocalQueue) retryLater(ctx context.Context, message domain.QueueMessage, delay time.Duration) {
	q.mu.Lock()
	q.waiting++
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			q.waiting--
			q.mu.Unlock()
		}()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case q.ch <- message:
		case <-ctx.Done():
		}
	}()
}

func (q *LocalQueue) deadLetter(message domain.QueueMessage, cause error) {
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, DeadLetter{Message: message, Reason: cause.Error(), MovedAt: time.Now().UTC()})
	q.mu.Unlock()
	q.logger.Printf("status command dead-lettered command_id=%s record_id=%s attempts=%d err=%v",
		message.CommandID, message.RecordID, message.Attempt, cause)
}

// Len reports commands waiting to be consumed, including scheduled retries.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + q.waiting
}

func (q *LocalQueue) DLQSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetters)
}

func (q *LocalQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}
