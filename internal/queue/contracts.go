package queue

import (
	"context"

	"github.com/iago/jobsync/internal/domain"
)

// Producer sends status commands to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives status commands and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
