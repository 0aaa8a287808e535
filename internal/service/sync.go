package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
	"github.com/iago/jobsync/internal/queue"
	"github.com/iago/jobsync/internal/records"
	"github.com/iago/jobsync/internal/snapshot"
	"github.com/iago/jobsync/internal/transport"
)

type SyncConfig struct {
	Records   *records.Store
	Builder   *snapshot.Builder
	Transport *transport.Transport
	Producer  queue.Producer
	// RequestLimiter throttles snapshot rebuilds triggered by the companion.
	RequestLimiter *rate.Limiter
	Logger         *log.Logger
	Now            func() time.Time
}

// SyncService is the primary side of the device sync: it keeps the companion
// supplied with fresh snapshots and hands inbound status commands to the queue.
type SyncService struct {
	records   *records.Store
	builder   *snapshot.Builder
	transport *transport.Transport
	producer  queue.Producer
	limiter   *rate.Limiter
	logger    *log.Logger
	now       func() time.Time

	updates     <-chan events.FeedUpdated
	requests    <-chan events.SnapshotRequested
	commands    <-chan events.StatusCommandReceived
	unsubscribe func()

	mu           sync.Mutex
	lastRevision string
	lastSentAt   time.Time
}

func NewSyncService(cfg SyncConfig) *SyncService {
	if cfg.Builder == nil {
		cfg.Builder = snapshot.NewBuilder(domain.MaxSnapshotItems, time.Local)
	}
	if cfg.RequestLimiter == nil {
		cfg.RequestLimiter = rate.NewLimiter(rate.Limit(1), 3)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &SyncService{
		records:   cfg.Records,
		builder:   cfg.Builder,
		transport: cfg.Transport,
		producer:  cfg.Producer,
		limiter:   cfg.RequestLimiter,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}

	// Subscriptions exist from construction so commands arriving before Run
	// wait in the buffer instead of reaching a topic with no listener.
	var cancelUpdates, cancelRequests, cancelCommands func()
	s.updates, cancelUpdates = s.records.Updates().Subscribe(1)
	s.requests, cancelRequests = s.transport.Requests().Subscribe(8)
	s.commands, cancelCommands = s.transport.Commands().Subscribe(32)
	var once sync.Once
	s.unsubscribe = func() {
		once.Do(func() {
			cancelUpdates()
			cancelRequests()
			cancelCommands()
		})
	}
	return s
}

// Close drops the service's subscriptions. Run calls it on return.
func (s *SyncService) Close() {
	s.unsubscribe()
}

// BuildSnapshot projects the current records for today without sending.
func (s *SyncService) BuildSnapshot() domain.DeviceSnapshot {
	return s.builder.Build(s.records.Records(), s.records.OwnerID(), s.now())
}

// PublishSnapshot builds today's snapshot and sends it, even when the
// companion already holds the same revision.
func (s *SyncService) PublishSnapshot(ctx context.Context) (domain.DeviceSnapshot, transport.Mode, error) {
	return s.publish(ctx, s.now(), true)
}

func (s *SyncService) publish(ctx context.Context, day time.Time, force bool) (domain.DeviceSnapshot, transport.Mode, error) {
	built := s.builder.Build(s.records.Records(), s.records.OwnerID(), day)

	s.mu.Lock()
	unchanged := built.Revision == s.lastRevision
	s.mu.Unlock()
	if unchanged && !force {
		return built, "", nil
	}

	envelope, err := snapshot.Envelope(built)
	if err != nil {
		return built, "", fmt.Errorf("wrap snapshot: %w", err)
	}
	mode, err := s.transport.Send(ctx, envelope)
	if err != nil {
		return built, "", fmt.Errorf("send snapshot: %w", err)
	}

	s.mu.Lock()
	if mode != transport.ModeDropped {
		s.lastRevision = built.Revision
		s.lastSentAt = s.now().UTC()
	}
	s.mu.Unlock()
	s.logger.Printf("snapshot sent rev=%s items=%d mode=%s", built.Revision, len(built.Items), mode)
	return built, mode, nil
}

// LastSent reports the revision and time of the last snapshot handed to the
// transport.
func (s *SyncService) LastSent() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRevision, s.lastSentAt
}

// Run reacts to record changes, snapshot requests and status commands until
// ctx ends.
func (s *SyncService) Run(ctx context.Context) error {
	defer s.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.followUpdates(groupCtx, s.updates)
		return nil
	})
	group.Go(func() error {
		s.followRequests(groupCtx, s.requests)
		return nil
	})
	group.Go(func() error {
		s.followCommands(groupCtx, s.commands)
		return nil
	})
	return group.Wait()
}

func (s *SyncService) followUpdates(ctx context.Context, updates <-chan events.FeedUpdated) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			if _, _, err := s.publish(ctx, s.now(), false); err != nil && ctx.Err() == nil {
				s.logger.Printf("snapshot publish failed reason=feed err=%v", err)
			}
		}
	}
}

func (s *SyncService) followRequests(ctx context.Context, requests <-chan events.SnapshotRequested) {
	for {
		var request events.SnapshotRequested
		select {
		case <-ctx.Done():
			return
		case request = <-requests:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		// Requests that piled up while throttled are answered by one rebuild.
		for drained := false; !drained; {
			select {
			case request = <-requests:
			default:
				drained = true
			}
		}

		day := s.now()
		if parsed, err := time.ParseInLocation(time.DateOnly, request.Envelope.Day, s.builder.Location); err == nil {
			day = parsed
		}
		if _, _, err := s.publish(ctx, day, true); err != nil && ctx.Err() == nil {
			s.logger.Printf("snapshot publish failed reason=request day=%s err=%v", request.Envelope.Day, err)
		}
	}
}

func (s *SyncService) followCommands(ctx context.Context, commands <-chan events.StatusCommandReceived) {
	for {
		select {
		case <-ctx.Done():
			return
		case received := <-commands:
			if err := s.EnqueueCommand(ctx, received.Command, received.ReceivedAt); err != nil && ctx.Err() == nil {
				s.logger.Printf("status command not queued command_id=%s record_id=%s err=%v",
					received.Command.CommandID, received.Command.RecordID, err)
			}
		}
	}
}

// EnqueueCommand hands a status command to the queue consumed by the worker.
func (s *SyncService) EnqueueCommand(ctx context.Context, command domain.StatusUpdateCommand, receivedAt time.Time) error {
	if err := s.producer.Enqueue(ctx, domain.NewQueueMessage(command, receivedAt)); err != nil {
		return fmt.Errorf("enqueue status command: %w", err)
	}
	return nil
}
