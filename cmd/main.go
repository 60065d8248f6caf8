package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Marketen/credentials-indexer/internal/adapters"
	"github.com/Marketen/credentials-indexer/internal/api"
	"github.com/Marketen/credentials-indexer/internal/application/services"
	"github.com/Marketen/credentials-indexer/internal/config"
	"github.com/Marketen/credentials-indexer/internal/logger"
	"github.com/Marketen/credentials-indexer/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	logger.Info("Starting credentials-indexer")
	logger.Info("Beacon node URL: %s", cfg.BeaconNodeURL)
	logger.Info("Poll interval: %s", cfg.PollInterval)

	// Handle SIGINT / SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	repo, err := adapters.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	beaconAdapter, err := adapters.NewBeaconHTTPAdapter(ctx, cfg.BeaconNodeURL)
	if err != nil {
		return fmt.Errorf("failed to create beacon HTTP adapter: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	monitor := services.NewCredentialMonitor(beaconAdapter, repo, m, services.MonitorOptions{
		PollInterval: cfg.PollInterval,
	})
	queueStats := services.NewQueueStatsService(beaconAdapter, m)

	cronLogger := logger.CronLogger{}
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.QueueRefreshInterval), func() {
		queueStats.Refresh(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule queue refresh: %w", err)
	}

	controller := api.NewController(repo, queueStats, reg)
	server := api.NewServer(fmt.Sprintf(":%d", cfg.APIPort), controller.NewRouter())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("API server listening on :%d", cfg.APIPort)
		return server.ListenAndServe()
	})

	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		logger.Warn("Shutting down...")

		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// Wait returns only after the monitor has finished its in-flight tick,
	// so the pool is not closed under a running transaction.
	return g.Wait()
}
