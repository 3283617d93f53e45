package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmorenz/strider/internal/api"
	"github.com/pmorenz/strider/internal/clock/system"
	"github.com/pmorenz/strider/internal/config"
	"github.com/pmorenz/strider/internal/crawler"
	"github.com/pmorenz/strider/internal/dedup"
	"github.com/pmorenz/strider/internal/fetcher/simple"
	"github.com/pmorenz/strider/internal/frontier"
	iduuid "github.com/pmorenz/strider/internal/id/uuid"
	"github.com/pmorenz/strider/internal/jobs"
	"github.com/pmorenz/strider/internal/journal"
	"github.com/pmorenz/strider/internal/logging"
	"github.com/pmorenz/strider/internal/metrics"
	"github.com/pmorenz/strider/internal/progress"
	"github.com/pmorenz/strider/internal/ratelimit"
	"github.com/pmorenz/strider/internal/robots"
	"github.com/pmorenz/strider/internal/sink"
	"github.com/pmorenz/strider/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the orchestration service",
		Long: `Starts the HTTP API, recovers any interrupted jobs from the journal,
and runs the worker pool until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	clk := system.New()
	idGen := iduuid.New()

	store, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("close journal failed", zap.Error(cerr))
		}
	}()

	gate := ratelimit.New(ratelimit.Config{
		MinDelay:       cfg.Crawler.MinDelay(),
		MaxConcurrent:  cfg.Crawler.PerDomainConcurrency,
		ErrorThreshold: cfg.Crawler.ErrorThreshold,
		Cooldown:       cfg.Crawler.Cooldown(),
	}, clk, logger)
	limiters := ratelimit.NewJobLimiters(cfg.Crawler.DefaultRPS)
	filters := dedup.NewRegistry(cfg.Crawler.DedupFPRate, logger)

	pageFetcher := simple.New(simple.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.FetchTimeout(),
	})
	robotsCache := robots.New(pageFetcher, clk, robots.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		TTL:          cfg.Robots.TTL(),
		ErrorTTL:     cfg.Robots.ErrorTTL(),
		MaxBodyBytes: cfg.Robots.MaxBodyBytes,
		FetchTimeout: cfg.Robots.FetchTimeout(),
	}, logger)

	// The frontier asks the manager about job state at dequeue time, and the
	// manager feeds the frontier at enqueue time; one side binds late.
	var manager *jobs.Manager
	front := frontier.New(
		lateBoundGate{get: func() *jobs.Manager { return manager }},
		gate,
		store,
		clk,
		frontier.Config{
			PollInterval:  cfg.Crawler.PollInterval(),
			DeferredAging: cfg.Crawler.DeferredAging(),
		},
		logger,
	)
	manager = jobs.New(front, filters, robotsCache, gate, limiters, store, idGen, clk, jobs.Config{
		MaxPagesDefault: cfg.Crawler.MaxPagesDefault,
		DefaultRPS:      cfg.Crawler.DefaultRPS,
	}, logger)
	front.SetDropHandler(manager.OnDropped)

	hub := progress.NewHub(progress.Config{Logger: logger},
		progress.NewLogSink(logger.Named("progress")))
	manager.SetEmitter(hub)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("close progress hub failed", zap.Error(cerr))
		}
	}()

	recovered, err := manager.Recover(ctx, store)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered pending tasks", zap.Int("count", recovered))
	}

	docSink, closeSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	defer closeSink()

	pool := worker.New(front, manager, gate, limiters, pageFetcher, docSink, worker.Config{
		Workers:      cfg.Crawler.Workers,
		MaxRetries:   cfg.Crawler.MaxRetries,
		BackoffBase:  cfg.Crawler.BackoffBase(),
		BackoffMax:   cfg.Crawler.BackoffMax(),
		FetchTimeout: cfg.Crawler.FetchTimeout(),
		UserAgent:    cfg.Crawler.UserAgent,
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(manager, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

type lateBoundGate struct {
	get func() *jobs.Manager
}

func (g lateBoundGate) AdmitTask(jobID string) frontier.Admission {
	if m := g.get(); m != nil {
		return m.AdmitTask(jobID)
	}
	return frontier.AdmissionSkip
}

func buildSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Sink, func(), error) {
	switch cfg.Sink.Provider {
	case "", "log":
		return sink.NewLog(logger), func() {}, nil
	case "pubsub":
		ps, err := sink.NewPubSub(ctx, cfg.Sink.ProjectID, cfg.Sink.TopicID, logger)
		if err != nil {
			return nil, nil, err
		}
		return ps, func() {
			if err := ps.Close(); err != nil {
				logger.Error("close pubsub sink failed", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink provider %q", cfg.Sink.Provider)
	}
}
