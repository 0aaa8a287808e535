package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/jobsync/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "jobsync",
		Short:         "Keep a companion device in step with the primary job list",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files loaded before reading the environment")

	root.AddCommand(&cobra.Command{
		Use:   "primary",
		Short: "Run the primary device: record mirror, snapshot publisher and status worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog := bootstrap(envFiles)
			defer closeLog()
			return runPrimary(cmd.Context(), cfg, logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "companion",
		Short: "Run the companion device: snapshot mirror and status relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLog := bootstrap(envFiles)
			defer closeLog()
			return runCompanion(cmd.Context(), cfg, logger)
		},
	})
	return root
}

func bootstrap(envFiles []string) (config.Config, *log.Logger, func()) {
	loaded, envErr := config.LoadDotEnv(envFiles...)
	cfg := config.Load()

	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
		}
		out = io.MultiWriter(os.Stdout, rotating)
		closeFn = func() { _ = rotating.Close() }
	}
	logger := log.New(out, "[jobsync] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)

	if envErr != nil {
		logger.Printf("failed loading .env files: %v", envErr)
	}
	for _, path := range loaded {
		logger.Printf("env file loaded path=%s", path)
	}
	return cfg, logger, closeFn
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serve runs server until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, name string, logger *log.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Printf("%s listening on %s", name, server.Addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

func location(cfg config.Config, logger *log.Logger) *time.Location {
	loc, err := cfg.Location()
	if err != nil {
		logger.Printf("timezone not usable, using host zone: %v", err)
	}
	return loc
}
