package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"budgetflow/internal/aggregate"
	"budgetflow/internal/backend"
	"budgetflow/internal/cli"
	"budgetflow/internal/config"
	"budgetflow/internal/core"
	"budgetflow/internal/feed"
	apphttp "budgetflow/internal/http"
	"budgetflow/internal/ledger"
	"budgetflow/internal/log"
	"budgetflow/internal/publisher"
	"budgetflow/internal/services"

	"golang.org/x/sync/errgroup"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		cli.BootstrapLogger().Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext()
	defer stop()

	repo, err := ledger.Open(cfg.LedgerPath, ledger.WithLogger(logger))
	if err != nil {
		return err
	}
	defer repo.Close()

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, backendCfg, repo)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", log.FieldError, err)
		}
	}()

	flows := services.NewFlowService(repo, res.Documents, res.Feed, services.WithLogger(logger))
	if res.SeedOnStart {
		if err := flows.Republish(ctx); err != nil {
			return err
		}
	}

	policy, err := aggregate.PolicyByName(cfg.LatestPolicy)
	if err != nil {
		return err
	}
	pub := publisher.New(res.Feed,
		publisher.WithAggregator(aggregate.New(aggregate.WithLatestPolicy(policy))),
		publisher.WithCacheSize(cfg.ViewCacheSize),
		publisher.WithLogger(logger))
	defer pub.Close()

	pub.WatchStatus(func(ds core.Dataset, s feed.Status, err error) {
		if s == feed.StatusDisconnected {
			logger.Warn("Dataset feed lost", log.FieldDataset, ds, log.FieldError, err)
			return
		}
		logger.Info("Dataset feed status", log.FieldDataset, ds, log.FieldStatus, s)
	})
	if err := pub.Start(ctx); err != nil {
		return err
	}

	opts := []apphttp.Option{
		apphttp.WithLogger(logger),
		apphttp.WithHistory(repo),
		apphttp.WithReadiness("ledger", repo),
		apphttp.WithRateLimit(cfg.RateLimitPerMinute),
	}
	if res.DocumentsDir != "" && strings.HasPrefix(cfg.DocstoreBaseURL, "/") {
		opts = append(opts, apphttp.WithDocuments(cfg.DocstoreBaseURL, res.DocumentsDir))
	}
	srv := apphttp.NewServer(":"+cfg.Port, pub, flows, opts...)
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting budgetflow server",
			"port", cfg.Port,
			"feed_backend", cfg.FeedBackend,
			"docstore_backend", cfg.DocstoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", log.FieldOperation, log.OpShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		return nil
	})
	return g.Wait()
}
