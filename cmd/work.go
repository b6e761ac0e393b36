package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/admission"
	"github.com/astas888/mangadl/internal/api"
	"github.com/astas888/mangadl/internal/config"
	"github.com/astas888/mangadl/internal/downloader"
	"github.com/astas888/mangadl/internal/fetch"
	"github.com/astas888/mangadl/internal/logging"
	"github.com/astas888/mangadl/internal/publisher"
	pubsubpub "github.com/astas888/mangadl/internal/publisher/pubsub"
	"github.com/astas888/mangadl/internal/worker"
)

// newWorkCmd creates the 'work' subcommand: the long-lived consumer process.
func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the download worker",
		Long: `Starts the configured number of queue consumers plus the ops HTTP
server and blocks until interrupted. Independent worker processes coordinate
per-source concurrency through the shared counter store.`,
		RunE: runWorkCommand,
	}
}

func runWorkCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store failed", zap.Error(err))
		}
	}()

	controller := admission.New(store, admission.Config{
		DefaultLimit:   cfg.Admission.DefaultLimit,
		PollInterval:   cfg.PollInterval(),
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger)

	fetcher := fetch.New(controller, fetch.Config{
		Timeout:        cfg.RequestTimeout(),
		UserAgent:      cfg.HTTP.UserAgent,
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, logger)

	dl := downloader.New(controller, fetcher, downloader.Config{
		OutputDir: cfg.Downloads.OutputDir,
	}, logger)

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error("close publisher failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(controller, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	workerCfg := worker.Config{
		QueueKey:      cfg.Redis.QueueKey,
		DeadLetterKey: cfg.Redis.DeadLetterKey,
		PopTimeout:    cfg.PopTimeout(),
		DefaultFanout: cfg.Downloads.FanoutLimit,
		OutcomeTopic:  cfg.PubSub.TopicName,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers.Count; i++ {
		consumer := worker.New(store, dl, pub, workerCfg, logger.With(zap.Int("consumer", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}
	logger.Info("workers started",
		zap.Int("count", cfg.Workers.Count),
		zap.String("queue", cfg.Redis.QueueKey),
		zap.String("output_dir", cfg.Downloads.OutputDir),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return publisher.NoOp{}, nil
	}
	if cfg.PubSub.ProjectID == "" {
		return nil, fmt.Errorf("pubsub.topic_name is set but pubsub.project_id is empty")
	}
	logger.Info("publishing job outcomes",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	pub, err := pubsubpub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("create outcome publisher: %w", err)
	}
	return pub, nil
}
