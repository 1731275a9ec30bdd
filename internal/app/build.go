package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/teamtasks/internal/config"
	"github.com/ent0n29/teamtasks/internal/files"
	"github.com/ent0n29/teamtasks/internal/httpapi"
	"github.com/ent0n29/teamtasks/internal/observability"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

type Options struct {
	Logger *slog.Logger
	// Registerer receives the Prometheus instruments. Nil means the default registry.
	Registerer prometheus.Registerer
}

type BuildResult struct {
	Config  config.Config
	Store   tasks.Store
	Manager *tasks.Manager
	API     *httpapi.Server
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Cleanup should be called on shutdown to flush traces and close the store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: "teamtasks",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	store, err := tasks.NewStore(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("task store init failed: %w", err)
	}
	logger.Info("task store ready", "mode", store.Mode())

	var remover tasks.AttachmentRemover
	if strings.TrimSpace(cfg.AttachmentsDir) != "" {
		remover = files.NewDiskRemover(cfg.AttachmentsDir)
	}

	bulkAuth := tasks.BulkAuthCapability
	if cfg.StrictBulkAuth {
		bulkAuth = tasks.BulkAuthStrict
	}
	manager := tasks.NewManager(store, tasks.Options{
		Logger:            logger.With("component", "tasks"),
		Instruments:       metrics,
		Remover:           remover,
		OperationTimeout:  cfg.OperationTimeout,
		MaxHierarchyDepth: cfg.MaxHierarchyDepth,
		StoreRetries:      cfg.StoreRetries,
		RetryBase:         cfg.RetryBase,
		RetryCap:          cfg.RetryCap,
		BulkAuth:          bulkAuth,
	})

	api := httpapi.New(cfg, manager, metrics, logger.With("component", "httpapi"))

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:  cfg,
		Store:   store,
		Manager: manager,
		API:     api,
		Metrics: metrics,
		Logger:  logger,
		Cleanup: cleanup,
	}, nil
}

// HTTPServer returns the configured listener for the API router.
func (b *BuildResult) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              b.Config.BindAddr,
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
