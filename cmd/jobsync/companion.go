package main

import (
	"context"
	"fmt"
	"log"

	"github.com/iago/jobsync/internal/companion"
	"github.com/iago/jobsync/internal/config"
	httpserver "github.com/iago/jobsync/internal/http"
	"github.com/iago/jobsync/internal/http/handlers"
	"github.com/iago/jobsync/internal/identity"
	"github.com/iago/jobsync/internal/localstore"
	"github.com/iago/jobsync/internal/relay"
	"github.com/iago/jobsync/internal/service"
	"github.com/iago/jobsync/internal/transport"
	"golang.org/x/sync/errgroup"
)

func runCompanion(parent context.Context, cfg config.Config, logger *log.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	loc := location(cfg, logger)

	db, err := localstore.Open(ctx, cfg.CompanionDataDir)
	if err != nil {
		return fmt.Errorf("open companion store: %w", err)
	}
	defer db.Close()
	logger.Printf("companion store opened dir=%s", cfg.CompanionDataDir)

	tr := transport.New(transport.Config{
		Mailbox:     localstore.NewOutbox(db),
		Logger:      logger,
		SendTimeout: config.Millis(cfg.TransientSendTimeoutMS),
	})
	dialer, err := transport.NewDialer(tr, transport.DialerConfig{
		URL:        cfg.CompanionPrimaryURL,
		AuthToken:  cfg.AuthToken,
		MaxBackoff: config.Millis(cfg.CompanionMaxBackoffMS),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("COMPANION_PRIMARY_URL: %w", err)
	}

	mirror := companion.NewMirror(companion.Config{
		Identity:   identity.Static(cfg.UserID),
		Location:   loc,
		OverlayTTL: config.Millis(cfg.CompanionOverlayTTLMS),
		Logger:     logger,
	})
	statusRelay := relay.New(relay.Config{
		Sender:  tr,
		Overlay: mirror,
		Logger:  logger,
	})
	companionService := service.NewCompanionService(service.CompanionConfig{
		Mirror:    mirror,
		Transport: tr,
		Relay:     statusRelay,
		Cache:     localstore.NewSnapshotCache(db),
		Pending:   localstore.NewPendingStatusStore(db),
		Logger:    logger,
	})

	handler := httpserver.NewCompanionRouter(httpserver.CompanionRouterDependencies{
		API:            handlers.NewCompanionAPI(companionService, tr),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return tr.Run(groupCtx) })
	group.Go(func() error { return dialer.Run(groupCtx) })
	group.Go(func() error { return companionService.Run(groupCtx) })

	server := newServer(cfg.CompanionPort, handler)
	group.Go(func() error { return serve(groupCtx, server, "companion api", logger) })

	return group.Wait()
}
