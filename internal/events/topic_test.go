package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLatestWinsKeepsNewestValue(t *testing.T) {
	topic := NewTopic[int]("counter", LatestWins)
	ch, cancel := topic.Subscribe(1)
	defer cancel()

	for i := 1; i <= 5; i++ {
		if err := topic.Publish(context.Background(), i); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	select {
	case got := <-ch:
		if got != 5 {
			t.Fatalf("expected newest value 5, got %d", got)
		}
	default:
		t.Fatalf("expected a buffered value")
	}
}

func TestBlockingWaitsForSubscriber(t *testing.T) {
	topic := NewTopic[string]("commands", Blocking)
	ch, cancel := topic.Subscribe(1)
	defer cancel()

	if err := topic.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- topic.Publish(context.Background(), "b")
	}()

	select {
	case <-done:
		t.Fatalf("second publish should block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	if got := <-ch; got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
	if got := <-ch; got != "b" {
		t.Fatalf("expected b, got %s", got)
	}
}

func TestBlockingPublishHonoursContext(t *testing.T) {
	topic := NewTopic[int]("commands", Blocking)
	_, cancel := topic.Subscribe(1)
	defer cancel()

	_ = topic.Publish(context.Background(), 1)

	ctx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	if err := topic.Publish(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCancelledSubscriberDoesNotBlockPublishers(t *testing.T) {
	topic := NewTopic[int]("commands", Blocking)
	_, cancel := topic.Subscribe(1)
	_ = topic.Publish(context.Background(), 1)
	cancel()

	if topic.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
	if err := topic.Publish(context.Background(), 2); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("publish after cancel should report ErrNoSubscribers, got %v", err)
	}
}

func TestBlockingPublishWithoutSubscribersReportsLoss(t *testing.T) {
	commands := NewTopic[string]("commands", Blocking)
	if err := commands.Publish(context.Background(), "c1"); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}

	state := NewTopic[string]("state", LatestWins)
	if err := state.Publish(context.Background(), "s1"); err != nil {
		t.Fatalf("state topics drop silently, got %v", err)
	}
}

func TestClosedTopicRejectsPublish(t *testing.T) {
	topic := NewTopic[int]("state", LatestWins)
	topic.Close()
	if err := topic.Publish(context.Background(), 1); !errors.Is(err, ErrTopicClosed) {
		t.Fatalf("expected ErrTopicClosed, got %v", err)
	}
}
