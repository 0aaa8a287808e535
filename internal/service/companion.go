package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/iago/jobsync/internal/companion"
	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
	"github.com/iago/jobsync/internal/localstore"
	"github.com/iago/jobsync/internal/relay"
	"github.com/iago/jobsync/internal/transport"
)

// SnapshotCache persists the last applied snapshot across launches.
type SnapshotCache interface {
	Save(ctx context.Context, envelope domain.Envelope, savedAt time.Time) error
	Load(ctx context.Context) (localstore.CachedSnapshot, error)
}

// PendingStatusStore persists unconfirmed optimistic status changes.
type PendingStatusStore interface {
	Save(ctx context.Context, pending []companion.PendingStatus) error
	Load(ctx context.Context) ([]companion.PendingStatus, error)
}

type CompanionConfig struct {
	Mirror    *companion.Mirror
	Transport *transport.Transport
	Relay     *relay.Relay
	Cache     SnapshotCache
	Pending   PendingStatusStore
	Logger    *log.Logger
	Now       func() time.Time
}

// CompanionService keeps the mirror fed: it restores the cached snapshot,
// asks the primary for a fresh one and applies whatever arrives.
type CompanionService struct {
	mirror    *companion.Mirror
	transport *transport.Transport
	relay     *relay.Relay
	cache     SnapshotCache
	pending   PendingStatusStore
	logger    *log.Logger
	now       func() time.Time

	// persistMu orders pending saves so an older set never lands last.
	persistMu sync.Mutex
}

func NewCompanionService(cfg CompanionConfig) *CompanionService {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CompanionService{
		mirror:    cfg.Mirror,
		transport: cfg.Transport,
		relay:     cfg.Relay,
		cache:     cfg.Cache,
		pending:   cfg.Pending,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

func (s *CompanionService) Mirror() *companion.Mirror {
	return s.mirror
}

// Restore applies the cached snapshot, if any, then the status changes
// still waiting for confirmation.
func (s *CompanionService) Restore(ctx context.Context) error {
	if err := s.restoreSnapshot(ctx); err != nil {
		return err
	}
	return s.restorePending(ctx)
}

func (s *CompanionService) restoreSnapshot(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Load(ctx)
	if errors.Is(err, localstore.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if _, err := s.mirror.Apply(ctx, cached.Envelope, cached.SavedAt); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	s.logger.Printf("snapshot restored rev=%s saved_at=%s", cached.Envelope.Revision, cached.SavedAt.Format(time.RFC3339))
	return nil
}

func (s *CompanionService) restorePending(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	pending, err := s.pending.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore pending statuses: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	s.mirror.RestorePendingStatuses(pending)
	s.logger.Printf("pending statuses restored loaded=%d kept=%d", len(pending), len(s.mirror.PendingStatuses()))
	return nil
}

// persistPending writes the mirror's current overlays. Failures are logged;
// the in-memory overlays stay authoritative.
func (s *CompanionService) persistPending(ctx context.Context) {
	if s.pending == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.pending.Save(ctx, s.mirror.PendingStatuses()); err != nil {
		s.logger.Printf("pending status save failed err=%v", err)
	}
}

// RequestSnapshot asks the primary for today's snapshot.
func (s *CompanionService) RequestSnapshot(ctx context.Context) (transport.Mode, error) {
	mode, err := s.transport.RequestSnapshot(ctx, s.now())
	if err != nil {
		return "", fmt.Errorf("request snapshot: %w", err)
	}
	return mode, nil
}

func (s *CompanionService) SubmitStatus(ctx context.Context, recordID, status string) (relay.Result, error) {
	result, err := s.relay.Submit(ctx, recordID, status)
	if err == nil && result.Optimistic {
		s.persistPending(context.WithoutCancel(ctx))
	}
	return result, err
}

func (s *CompanionService) TodaysJobs() []companion.Job {
	return s.mirror.TodaysJobs()
}

// Run restores, requests a snapshot, then applies received snapshots until
// ctx ends. A reconnect with an empty mirror triggers another request. The
// mirror is refreshed at local midnight and when a delivered change expires.
func (s *CompanionService) Run(ctx context.Context) error {
	snapshots, cancelSnapshots := s.transport.Snapshots().Subscribe(1)
	defer cancelSnapshots()
	reachability, cancelReachability := s.transport.Link().Reachability().Subscribe(1)
	defer cancelReachability()
	delivered, cancelDelivered := s.transport.Delivered().Subscribe(32)
	defer cancelDelivered()

	if err := s.Restore(ctx); err != nil {
		s.logger.Printf("companion restore incomplete err=%v", err)
	}
	if _, err := s.RequestSnapshot(ctx); err != nil {
		s.logger.Printf("launch snapshot request failed err=%v", err)
	}

	wake := time.NewTimer(s.untilNextRefresh())
	defer wake.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case received := <-snapshots:
			s.apply(ctx, received)
		case notice := <-delivered:
			s.markDelivered(ctx, notice)
		case change := <-reachability:
			if change.Reachable && !s.mirror.HasData() {
				if _, err := s.RequestSnapshot(ctx); err != nil {
					s.logger.Printf("reconnect snapshot request failed err=%v", err)
				}
			}
		case <-wake.C:
			s.mirror.Refresh()
			s.persistPending(ctx)
		}
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
		wake.Reset(s.untilNextRefresh())
	}
}

func (s *CompanionService) untilNextRefresh() time.Duration {
	now := s.now()
	at := nextMidnight(now, s.mirror.Location())
	if expiry, ok := s.mirror.NextExpiry(); ok && expiry.Before(at) {
		at = expiry
	}
	if wait := at.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// nextMidnight is the start of the day after now in loc.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func (s *CompanionService) markDelivered(ctx context.Context, notice events.EnvelopeDelivered) {
	issuedAt := domain.FromEpochSeconds(notice.Envelope.TS)
	if s.mirror.MarkDelivered(notice.Envelope.ID, issuedAt, notice.DeliveredAt) {
		s.persistPending(ctx)
	}
}

func (s *CompanionService) apply(ctx context.Context, received events.SnapshotReceived) {
	applied, err := s.mirror.Apply(ctx, received.Envelope, received.ReceivedAt)
	if err != nil {
		s.logger.Printf("snapshot rejected rev=%s err=%v", received.Envelope.Revision, err)
		return
	}
	if !applied {
		return
	}
	s.logger.Printf("snapshot applied rev=%s today=%d", received.Envelope.Revision, len(s.mirror.TodaysJobs()))
	s.persistPending(ctx)
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(ctx, received.Envelope, received.ReceivedAt); err != nil {
		s.logger.Printf("snapshot cache save failed rev=%s err=%v", received.Envelope.Revision, err)
	}
}
