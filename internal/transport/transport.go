// Package transport delivers envelopes between the primary and the companion
// over a transient websocket link, falling back to a durable mailbox that is
// flushed on reconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/events"
)

type Mode string

const (
	ModeTransient Mode = "transient"
	ModeDurable   Mode = "durable"
	ModeDropped   Mode = "dropped"
)

type Config struct {
	Link        *Link
	Mailbox     Mailbox
	Logger      *log.Logger
	SendTimeout time.Duration
	Now         func() time.Time
}

type Transport struct {
	link        *Link
	mailbox     Mailbox
	logger      *log.Logger
	sendTimeout time.Duration
	now         func() time.Time

	flushMu sync.Mutex

	snapshots *events.Topic[events.SnapshotReceived]
	requests  *events.Topic[events.SnapshotRequested]
	commands  *events.Topic[events.StatusCommandReceived]
	delivered *events.Topic[events.EnvelopeDelivered]
}

func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Link == nil {
		cfg.Link = NewLink(cfg.Logger)
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewMemoryMailbox()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Transport{
		link:        cfg.Link,
		mailbox:     cfg.Mailbox,
		logger:      cfg.Logger,
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Now,
		snapshots:   events.NewTopic[events.SnapshotReceived](events.NameSnapshotReceived, events.LatestWins),
		requests:    events.NewTopic[events.SnapshotRequested](events.NameSnapshotRequested, events.Blocking),
		commands:    events.NewTopic[events.StatusCommandReceived](events.NameStatusCommandReceived, events.Blocking),
		delivered:   events.NewTopic[events.EnvelopeDelivered](events.NameEnvelopeDelivered, events.Blocking),
	}
}

func (t *Transport) Link() *Link {
	return t.link
}

func (t *Transport) Mailbox() Mailbox {
	return t.mailbox
}

func (t *Transport) Snapshots() *events.Topic[events.SnapshotReceived] {
	return t.snapshots
}

func (t *Transport) Requests() *events.Topic[events.SnapshotRequested] {
	return t.requests
}

func (t *Transport) Commands() *events.Topic[events.StatusCommandReceived] {
	return t.commands
}

// Delivered reports status commands written to the link. Other envelope
// types are superseded by later ones and are not reported.
func (t *Transport) Delivered() *events.Topic[events.EnvelopeDelivered] {
	return t.delivered
}

func (t *Transport) notifyDelivered(ctx context.Context, envelope domain.Envelope) {
	if envelope.Type != domain.MessageUpdateStatus || t.delivered.SubscriberCount() == 0 {
		return
	}
	err := t.delivered.Publish(ctx, events.EnvelopeDelivered{Envelope: envelope, DeliveredAt: t.now().UTC()})
	if err != nil && !errors.Is(err, events.ErrNoSubscribers) && ctx.Err() == nil {
		t.logger.Printf("delivery notice dropped slot=%s err=%v", envelope.Slot(), err)
	}
}

func (t *Transport) Reachable() bool {
	return t.link.Reachable()
}

// Send delivers envelope over the link when the peer is reachable. A failed
// transient send of a supersedable payload is dropped; anything else, and
// every send while unreachable, goes to the mailbox.
func (t *Transport) Send(ctx context.Context, envelope domain.Envelope) (Mode, error) {
	data, err := Encode(envelope)
	if err != nil {
		return "", err
	}

	if t.link.Reachable() {
		sendCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		err := t.link.Write(sendCtx, data)
		cancel()
		if err == nil {
			t.notifyDelivered(ctx, envelope)
			return ModeTransient, nil
		}
		if envelope.Supersedable() {
			t.logger.Printf("transient send dropped type=%s err=%v", envelope.Type, err)
			return ModeDropped, nil
		}
		t.logger.Printf("transient send failed, queueing type=%s slot=%s err=%v", envelope.Type, envelope.Slot(), err)
	}

	if err := t.mailbox.Put(ctx, envelope); err != nil {
		return "", fmt.Errorf("queue %s: %w", envelope.Type, err)
	}
	// The link may have come up between the reachability check and Put.
	if t.link.Reachable() {
		go func() {
			if err := t.FlushMailbox(context.WithoutCancel(ctx)); err != nil {
				t.logger.Printf("mailbox flush failed err=%v", err)
			}
		}()
	}
	return ModeDurable, nil
}

// RequestSnapshot asks the peer to rebuild and send its snapshot.
func (t *Transport) RequestSnapshot(ctx context.Context, day time.Time) (Mode, error) {
	return t.Send(ctx, domain.Envelope{
		Type:     domain.MessageRequestSnapshot,
		Scope:    "mine",
		Statuses: []string{domain.StatusPending},
		Day:      day.Format(time.DateOnly),
	})
}

// FlushMailbox delivers everything queued. On a write failure the rest is
// restored without overwriting newer payloads queued meanwhile.
func (t *Transport) FlushMailbox(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	envelopes, err := t.mailbox.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain mailbox: %w", err)
	}
	for i, envelope := range envelopes {
		data, err := Encode(envelope)
		if err != nil {
			t.logger.Printf("mailbox entry dropped slot=%s err=%v", envelope.Slot(), err)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		err = t.link.Write(sendCtx, data)
		cancel()
		if err != nil {
			if restoreErr := t.mailbox.Restore(ctx, envelopes[i:]); restoreErr != nil {
				return errors.Join(fmt.Errorf("deliver %s: %w", envelope.Slot(), err), restoreErr)
			}
			return fmt.Errorf("deliver %s: %w", envelope.Slot(), err)
		}
		t.notifyDelivered(ctx, envelope)
	}
	if len(envelopes) > 0 {
		t.logger.Printf("mailbox flushed delivered=%d", len(envelopes))
	}
	return nil
}

// Run flushes the mailbox on every unreachable→reachable transition.
func (t *Transport) Run(ctx context.Context) error {
	changes, cancel := t.link.Reachability().Subscribe(1)
	defer cancel()

	if t.link.Reachable() {
		t.flushLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			if change.Reachable {
				t.flushLogged(ctx)
			}
		}
	}
}

func (t *Transport) flushLogged(ctx context.Context) {
	if err := t.FlushMailbox(ctx); err != nil && ctx.Err() == nil {
		t.logger.Printf("mailbox flush failed err=%v", err)
	}
}

// Serve runs conn as the live link and routes inbound frames.
func (t *Transport) Serve(ctx context.Context, conn *websocket.Conn) error {
	return t.link.Serve(ctx, conn, t.Receive)
}

// Receive decodes one inbound frame and publishes it on the matching topic.
// Malformed frames are logged and dropped.
func (t *Transport) Receive(ctx context.Context, data []byte) {
	envelope, err := Decode(data)
	if err != nil {
		t.logger.Printf("inbound frame dropped err=%v", err)
		return
	}
	receivedAt := t.now().UTC()

	switch envelope.Type {
	case domain.MessageJobsSnapshot:
		err = t.snapshots.Publish(ctx, events.SnapshotReceived{Envelope: envelope, ReceivedAt: receivedAt})
	case domain.MessageRequestSnapshot:
		err = t.requests.Publish(ctx, events.SnapshotRequested{Envelope: envelope, ReceivedAt: receivedAt})
	case domain.MessageUpdateStatus:
		command, commandErr := envelope.StatusCommand()
		if commandErr != nil {
			t.logger.Printf("inbound status command dropped err=%v", commandErr)
			return
		}
		err = t.commands.Publish(ctx, events.StatusCommandReceived{Command: command, ReceivedAt: receivedAt})
		if err != nil && ctx.Err() == nil {
			t.logger.Printf("inbound status command lost command_id=%s record_id=%s status=%q err=%v",
				command.CommandID, command.RecordID, command.Status, err)
			return
		}
	}
	if err != nil && ctx.Err() == nil {
		t.logger.Printf("inbound %s not delivered err=%v", envelope.Type, err)
	}
}
