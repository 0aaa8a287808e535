package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	// MaxBatchSize bounds the distinct records held before a flush.
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             *log.Logger
}

type batchCapableProducer interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

type enqueueRequest struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

// recordSlot collects every command seen for one record during a batch
// window. Only the newest one is written; the others share its outcome.
type recordSlot struct {
	latest  enqueueRequest
	waiters []enqueueRequest
}

func (s *recordSlot) offer(request enqueueRequest) {
	s.waiters = append(s.waiters, request)
	if !request.message.IssuedAt.Before(s.latest.message.IssuedAt) {
		s.latest = request
	}
}

// BatchingProducer coalesces status commands that arrive close together.
// Commands for the same record collapse to the newest by IssuedAt, matching
// the worker's last-writer-wins rule, so superseded commands never reach the
// backend.
type BatchingProducer struct {
	base        Producer
	batchWriter batchCapableProducer
	config      BatchingConfig
	logger      *log.Logger

	in         chan enqueueRequest
	inFlight   chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	parentDone <-chan struct{}
	flushes    sync.WaitGroup

	mu         sync.Mutex
	superseded int
}

func NewBatchingProducer(
	parent context.Context,
	base Producer,
	cfg BatchingConfig,
) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}

	producer := &BatchingProducer{
		base:       base,
		config:     cfg,
		logger:     cfg.Logger,
		in:         make(chan enqueueRequest, cfg.QueueCapacity),
		inFlight:   make(chan struct{}, cfg.MaxInFlightBatches),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		parentDone: parent.Done(),
	}
	if writer, ok := base.(batchCapableProducer); ok {
		producer.batchWriter = writer
	}

	go producer.run()
	return producer
}

// Enqueue waits until the batch holding message has been written. A command
// superseded by a newer one for the same record reports the newer write's
// outcome.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	request := enqueueRequest{ctx: ctx, message: message, result: make(chan error, 1)}
	select {
	case <-b.done:
		return ErrBatchingClosed
	case b.in <- request:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Superseded reports how many commands were folded into a newer one.
func (b *BatchingProducer) Superseded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.superseded
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

// run owns the batch window. Flushes run concurrently up to
// MaxInFlightBatches; batches may land out of order, which the worker
// resolves by IssuedAt.
func (b *BatchingProducer) run() {
	defer close(b.done)
	defer b.flushes.Wait()

	window := make(map[string]*recordSlot)
	timer := time.NewTimer(b.config.FlushInterval)
	stopTimer(timer)
	var timerCh <-chan time.Time

	flush := func(final bool) {
		stopTimer(timer)
		timerCh = nil
		if len(window) == 0 {
			return
		}
		slots := window
		window = make(map[string]*recordSlot)
		b.inFlight <- struct{}{}
		b.flushes.Add(1)
		go func() {
			defer b.flushes.Done()
			defer func() { <-b.inFlight }()
			b.flushWindow(slots, final)
		}()
	}

	for {
		select {
		case <-b.parentDone:
			flush(true)
			return
		case <-b.stop:
			flush(true)
			return
		case <-timerCh:
			flush(false)
		case request := <-b.in:
			if err := request.ctx.Err(); err != nil {
				request.result <- err
				continue
			}
			key := recordKey(request.message)
			slot, ok := window[key]
			if !ok {
				slot = &recordSlot{latest: request}
				window[key] = slot
			}
			slot.offer(request)

			if timerCh == nil {
				timer.Reset(b.config.FlushInterval)
				timerCh = timer.C
			}
			if len(window) >= b.config.MaxBatchSize {
				flush(false)
			}
		}
	}
}

func (b *BatchingProducer) flushWindow(slots map[string]*recordSlot, final bool) {
	keys := make([]string, 0, len(slots))
	for key := range slots {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	messages := make([]domain.QueueMessage, 0, len(keys))
	waiters := make([]enqueueRequest, 0, len(keys))
	superseded := 0
	for _, key := range keys {
		slot := slots[key]
		messages = append(messages, slot.latest.message)
		waiters = append(waiters, slot.waiters...)
		for _, waiter := range slot.waiters {
			if waiter.message.CommandID != slot.latest.message.CommandID {
				superseded++
				b.logger.Printf("status command superseded command_id=%s record_id=%s by=%s",
					waiter.message.CommandID, key, slot.latest.message.CommandID)
			}
		}
	}
	if superseded > 0 {
		b.mu.Lock()
		b.superseded += superseded
		b.mu.Unlock()
	}

	err := b.write(messages, final)
	for _, waiter := range waiters {
		waiter.result <- err
	}
}

func (b *BatchingProducer) write(messages []domain.QueueMessage, final bool) error {
	ctx := context.Background()
	if !final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.FlushTimeout)
		defer cancel()
	}

	if b.batchWriter != nil {
		return b.batchWriter.EnqueueBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := b.base.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func recordKey(message domain.QueueMessage) string {
	return strings.TrimSpace(message.RecordID)
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
