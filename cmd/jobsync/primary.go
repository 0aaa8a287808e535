package main

import (
	"context"
	"log"

	"github.com/iago/jobsync/internal/config"
	httpserver "github.com/iago/jobsync/internal/http"
	"github.com/iago/jobsync/internal/http/handlers"
	"github.com/iago/jobsync/internal/progress"
	"github.com/iago/jobsync/internal/queue"
	"github.com/iago/jobsync/internal/records"
	"github.com/iago/jobsync/internal/repository"
	"github.com/iago/jobsync/internal/search"
	"github.com/iago/jobsync/internal/service"
	"github.com/iago/jobsync/internal/snapshot"
	"github.com/iago/jobsync/internal/transport"
	"github.com/iago/jobsync/internal/worker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func runPrimary(parent context.Context, cfg config.Config, logger *log.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	if cfg.UserID == "" {
		logger.Printf("USER_ID not configured, record feed will be empty")
	}
	loc := location(cfg, logger)

	docs, docsCloser := setupDocumentStore(ctx, cfg, logger)
	defer docsCloser()

	producer, consumer, streamsClient, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	mailbox, mailboxCloser := setupMailbox(ctx, cfg, streamsClient, logger)
	defer mailboxCloser()

	store := records.New(records.Config{
		OwnerID:      cfg.UserID,
		Feed:         docs,
		Writer:       docs,
		Logger:       logger,
		WriteTimeout: config.Millis(cfg.WriteTimeoutMS),
		RetryDelay:   config.Millis(cfg.FeedRetryMS),
	})
	tracker := progress.NewTracker(logger)
	merger := search.NewMerger(search.Config{
		CompanyID:  cfg.CompanyID,
		Index:      docs,
		Records:    store,
		Logger:     logger,
		RetryDelay: config.Millis(cfg.FeedRetryMS),
	})

	tr := transport.New(transport.Config{
		Mailbox:     mailbox,
		Logger:      logger,
		SendTimeout: config.Millis(cfg.TransientSendTimeoutMS),
	})
	syncService := service.NewSyncService(service.SyncConfig{
		Records:        store,
		Builder:        snapshot.NewBuilder(cfg.SnapshotLimit, loc),
		Transport:      tr,
		Producer:       producer,
		RequestLimiter: rate.NewLimiter(rate.Limit(cfg.SnapshotRequestRPS), cfg.SnapshotRequestBurst),
		Logger:         logger,
	})

	api := handlers.NewAPI(handlers.APIDependencies{
		Records:   store,
		Tracker:   tracker,
		Merger:    merger,
		Sync:      syncService,
		Transport: tr,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		CompanionHub:   transport.NewHub(tr, cfg.CORSOrigins, logger),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return store.Run(groupCtx) })
	group.Go(func() error { return tracker.Run(groupCtx, store) })
	group.Go(func() error { return merger.Run(groupCtx) })
	group.Go(func() error { return tr.Run(groupCtx) })
	group.Go(func() error { return syncService.Run(groupCtx) })

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, store, logger)
		group.Go(func() error {
			processor.Start(groupCtx)
			return nil
		})
		logger.Printf("worker enabled and started")
	} else {
		logger.Printf("worker disabled by configuration")
	}

	server := newServer(cfg.Port, handler)
	group.Go(func() error { return serve(groupCtx, server, "primary api", logger) })

	return group.Wait()
}

func setupDocumentStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.DocumentStore, func()) {
	if cfg.DatabaseURL != "" {
		pgStore, err := repository.NewPostgresDocumentStore(ctx, cfg.DatabaseURL)
		if err == nil {
			err = pgStore.EnsureSchema(ctx)
			if err != nil {
				pgStore.Close()
			}
		}
		if err == nil {
			logger.Printf("postgres document store initialized")
			return pgStore, pgStore.Close
		}
		logger.Printf("failed to initialize postgres document store, trying fallbacks: %v", err)
	}

	if cfg.RecordsDir != "" {
		dirStore, err := repository.NewDirectoryDocumentStore(cfg.RecordsDir, logger)
		if err == nil {
			logger.Printf("directory document store initialized dir=%s", cfg.RecordsDir)
			return dirStore, func() {}
		}
		logger.Printf("failed to initialize directory document store, fallback to memory: %v", err)
	}

	logger.Printf("DATABASE_URL and RECORDS_DIR not configured, using in-memory document store")
	return repository.NewMemoryDocumentStore(), func() {}
}

// setupQueue returns the Redis client behind the streams queue when there is
// one so the mailbox can share the connection.
func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, *redis.Client, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		client       *redis.Client
		baseCloser   = func() {}
	)

	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, cfg.RedisMaxAttempt, logger)
		baseProducer = local
		consumer = local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.RedisMaxAttempt,
		})
		if err != nil {
			logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
			local := queue.NewLocalQueue(512, cfg.RedisMaxAttempt, logger)
			baseProducer = local
			consumer = local
		} else {
			logger.Printf("redis streams queue initialized")
			baseProducer = streams
			consumer = streams
			client = streams.Client()
			baseCloser = func() {
				_ = streams.Close()
			}
		}
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      config.Millis(cfg.QueueBatchFlushMS),
			FlushTimeout:       config.Millis(cfg.QueueBatchFlushTimeoutMS),
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
			Logger:             logger,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Printf(
			"queue batching enabled size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
			cfg.QueueBatchSize,
			cfg.QueueBatchFlushMS,
			cfg.QueueBatchQueueCapacity,
			cfg.QueueBatchMaxInFlight,
		)
	}

	return producer, consumer, client, func() {
		batchingCloser()
		baseCloser()
	}
}

func setupMailbox(
	ctx context.Context,
	cfg config.Config,
	shared *redis.Client,
	logger *log.Logger,
) (transport.Mailbox, func()) {
	key := cfg.MailboxPrefix + ":companion"
	if shared != nil {
		logger.Printf("redis mailbox initialized key=%s shared=true", key)
		return transport.NewRedisMailboxFromClient(shared, key), func() {}
	}
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using in-memory mailbox")
		return transport.NewMemoryMailbox(), func() {}
	}

	mailbox, err := transport.NewRedisMailbox(ctx, transport.RedisMailboxConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      key,
	})
	if err != nil {
		logger.Printf("failed to initialize redis mailbox, fallback to memory: %v", err)
		return transport.NewMemoryMailbox(), func() {}
	}
	logger.Printf("redis mailbox initialized key=%s", key)
	return mailbox, func() { _ = mailbox.Close() }
}
