package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisMailboxConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the hash holding one field per slot, e.g. "jobsync:mailbox:<device>".
	Key string
}

// RedisMailbox keeps the latest payload per slot in a Redis hash so queued
// snapshots survive a primary restart.
type RedisMailbox struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisMailbox(ctx context.Context, cfg RedisMailboxConfig) (*RedisMailbox, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisMailboxFromClient(client, cfg.Key), nil
}

func NewRedisMailboxFromClient(client *redis.Client, key string) *RedisMailbox {
	if key == "" {
		key = "jobsync:mailbox:companion"
	}
	return &RedisMailbox{client: client, key: key, now: time.Now}
}

func (m *RedisMailbox) Close() error {
	return m.client.Close()
}

func (m *RedisMailbox) encode(envelope domain.Envelope, queuedAt time.Time) (string, error) {
	data, err := json.Marshal(mailboxEntry{Envelope: envelope, QueuedAt: queuedAt.UTC()})
	if err != nil {
		return "", fmt.Errorf("encode mailbox entry: %w", err)
	}
	return string(data), nil
}

func (m *RedisMailbox) Put(ctx context.Context, envelope domain.Envelope) error {
	value, err := m.encode(envelope, m.now())
	if err != nil {
		return err
	}
	if err := m.client.HSet(ctx, m.key, envelope.Slot(), value).Err(); err != nil {
		return fmt.Errorf("hset mailbox slot: %w", err)
	}
	return nil
}

func (m *RedisMailbox) Restore(ctx context.Context, envelopes []domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	oldest := m.now()
	queued, err := m.client.HVals(ctx, m.key).Result()
	if err != nil {
		return fmt.Errorf("read mailbox slots: %w", err)
	}
	for _, raw := range queued {
		var entry mailboxEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.QueuedAt.Before(oldest) {
			oldest = entry.QueuedAt
		}
	}

	pipeline := m.client.Pipeline()
	for i, envelope := range envelopes {
		value, err := m.encode(envelope, restoredAt(oldest, i, len(envelopes)))
		if err != nil {
			return err
		}
		pipeline.HSetNX(ctx, m.key, envelope.Slot(), value)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("restore mailbox slots: %w", err)
	}
	return nil
}

func (m *RedisMailbox) Drain(ctx context.Context) ([]domain.Envelope, error) {
	var values *redis.MapStringStringCmd
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.HGetAll(ctx, m.key)
		pipe.Del(ctx, m.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain mailbox: %w", err)
	}

	entries := make([]mailboxEntry, 0, len(values.Val()))
	for _, raw := range values.Val() {
		var entry mailboxEntry
		// Undecodable slots are dropped with the drain.
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return sortEntries(entries), nil
}

func (m *RedisMailbox) Len(ctx context.Context) (int, error) {
	count, err := m.client.HLen(ctx, m.key).Result()
	if err != nil {
		return 0, fmt.Errorf("hlen mailbox: %w", err)
	}
	return int(count), nil
}
