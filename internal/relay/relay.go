// Package relay is the companion side of a status change: it applies the
// change optimistically to the mirror and forwards it to the primary.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/jobsync/internal/companion"
	"github.com/iago/jobsync/internal/domain"
	"github.com/iago/jobsync/internal/transport"
)

// Sender delivers an envelope to the primary.
type Sender interface {
	Send(ctx context.Context, envelope domain.Envelope) (transport.Mode, error)
}

// Overlay receives the optimistic change before it is sent and takes it
// back when the send fails.
type Overlay interface {
	ApplyLocalStatus(id, status string, at time.Time) error
	RevertLocalStatus(id string, at time.Time)
}

type Config struct {
	Sender  Sender
	Overlay Overlay
	Logger  *log.Logger
	Now     func() time.Time
	NewID   func() string
}

type Relay struct {
	sender  Sender
	overlay Overlay
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
}

// Result describes one submitted command and how the transport took it.
type Result struct {
	Command domain.StatusUpdateCommand
	Mode    transport.Mode
	// Optimistic is false when the mirror no longer holds the job and the
	// command was forwarded without a local change.
	Optimistic bool
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Relay{
		sender:  cfg.Sender,
		overlay: cfg.Overlay,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}
}

// Submit sends a status change for recordID. The mirror shows the new status
// immediately; the primary applies it through its own write path. A job the
// mirror no longer holds is still forwarded, since the primary may have it.
func (r *Relay) Submit(ctx context.Context, recordID, status string) (Result, error) {
	recordID = strings.TrimSpace(recordID)
	status = strings.TrimSpace(status)
	if recordID == "" || status == "" {
		return Result{}, fmt.Errorf("%w: record id and status are required", domain.ErrInvalidCommand)
	}

	command := domain.StatusUpdateCommand{
		CommandID: r.newID(),
		RecordID:  recordID,
		Status:    status,
		Timestamp: r.now().UTC(),
	}
	result := Result{Command: command}

	if r.overlay != nil {
		err := r.overlay.ApplyLocalStatus(recordID, status, command.Timestamp)
		switch {
		case err == nil:
			result.Optimistic = true
		case errors.Is(err, companion.ErrUnknownJob):
			r.logger.Printf("status command for job outside mirror command_id=%s record_id=%s", command.CommandID, recordID)
		default:
			return Result{}, fmt.Errorf("apply local status: %w", err)
		}
	}

	mode, err := r.sender.Send(ctx, command.Envelope())
	if err != nil {
		if result.Optimistic {
			r.overlay.RevertLocalStatus(recordID, command.Timestamp)
			result.Optimistic = false
		}
		return result, fmt.Errorf("send status command: %w", err)
	}
	result.Mode = mode
	r.logger.Printf("status command submitted command_id=%s record_id=%s status=%q mode=%s optimistic=%t",
		command.CommandID, recordID, status, mode, result.Optimistic)
	return result, nil
}
