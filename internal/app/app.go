// Package app initializes and holds the long-lived application services and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gpubsub "cloud.google.com/go/pubsub/v2"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/api"
	"github.com/sitelens/sitelens/internal/browser"
	"github.com/sitelens/sitelens/internal/capture"
	"github.com/sitelens/sitelens/internal/capture/shotapi"
	"github.com/sitelens/sitelens/internal/clock/system"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/dispatcher"
	"github.com/sitelens/sitelens/internal/fetcher/static"
	"github.com/sitelens/sitelens/internal/id/uuid"
	"github.com/sitelens/sitelens/internal/metrics"
	"github.com/sitelens/sitelens/internal/progress"
	memorypublisher "github.com/sitelens/sitelens/internal/publisher/memory"
	pubsubpublisher "github.com/sitelens/sitelens/internal/publisher/pubsub"
	queuememory "github.com/sitelens/sitelens/internal/queue/memory"
	"github.com/sitelens/sitelens/internal/ratelimit"
	"github.com/sitelens/sitelens/internal/scoring"
	"github.com/sitelens/sitelens/internal/storage/gcs"
	"github.com/sitelens/sitelens/internal/storage/local"
	storagememory "github.com/sitelens/sitelens/internal/storage/memory"
	"github.com/sitelens/sitelens/internal/store/postgres"
	"github.com/sitelens/sitelens/internal/worker"
)

// App holds the wired service graph.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	pool        *browser.Pool
	queue       *queuememory.Queue
	broadcaster *progress.Broadcaster
	dispatch    *dispatcher.Dispatcher
	server      *http.Server
	dbPool      *pgxpool.Pool
	closers     []func() error
}

// New wires all services from configuration. It fails fast: any service
// that cannot initialize aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	runStore, dbPool, err := postgres.New(ctx, cfg.DB.DSN, postgres.Config{}, system.New(), logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	a.dbPool = dbPool

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize blob store: %w", err)
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize publisher: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize rate limiter: %w", err)
	}

	clk := system.New()
	a.pool = browser.New(browser.Config{
		PoolSize:       cfg.Browser.PoolSize,
		AcquireTimeout: time.Duration(cfg.Browser.AcquireTimeoutSeconds) * time.Second,
		HealthInterval: time.Duration(cfg.Browser.HealthIntervalSeconds) * time.Second,
		MaxProcessAge:  time.Duration(cfg.Browser.MaxProcessAgeMinutes) * time.Minute,
		MaxFailures:    cfg.Browser.MaxFailures,
		UserAgent:      cfg.Browser.UserAgent,
	}, clk, logger.Named("browser"))

	staticFetcher := static.New(static.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   time.Duration(cfg.Capture.TierTimeoutSeconds) * time.Second,
	})

	var shotAPI analysis.CaptureAPI
	if cfg.Capture.ShotAPIBaseURL != "" {
		client, err := shotapi.New(shotapi.Config{
			BaseURL: cfg.Capture.ShotAPIBaseURL,
			APIKey:  cfg.Capture.ShotAPIKey,
			Timeout: time.Duration(cfg.Capture.TierTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize shot api client: %w", err)
		}
		shotAPI = client
	}

	renderer := capture.NewBrowserRenderer(
		a.pool,
		time.Duration(cfg.Browser.NavTimeoutSeconds)*time.Second,
		cfg.Capture.ViewportWidth,
		cfg.Capture.ViewportHeight,
		true,
		cfg.Browser.UserAgent,
	)

	captureSvc := capture.New(shotAPI, renderer, staticFetcher, limiter, blobs, capture.Config{
		TierTimeout:    time.Duration(cfg.Capture.TierTimeoutSeconds) * time.Second,
		ViewportWidth:  cfg.Capture.ViewportWidth,
		ViewportHeight: cfg.Capture.ViewportHeight,
		FullPage:       true,
		BlobPrefix:     cfg.Capture.BlobPrefix,
	}, logger.Named("capture"))

	scorer := scoring.NewOpenAI(scoring.Config{
		APIKey:  cfg.Scoring.APIKey,
		Model:   cfg.Scoring.Model,
		BaseURL: cfg.Scoring.BaseURL,
	}, limiter, logger.Named("scoring"))

	a.broadcaster = progress.NewBroadcaster(progress.Config{Logger: logger.Named("progress")})
	a.queue = queuememory.NewQueue(cfg.Analyzer.QueueDepth)

	workerCfg := worker.Config{
		Topic:            cfg.PubSub.TopicName,
		InsightsEnabled:  cfg.Scoring.InsightsEnabled,
		ScoreMaxAttempts: cfg.Scoring.MaxAttempts,
		ScoreBackoffBase: time.Duration(cfg.Scoring.BackoffBaseMs) * time.Millisecond,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Analyzer.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			runStore,
			captureSvc,
			scorer,
			a.broadcaster,
			publisher,
			clk,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)

	apiServer := api.NewServer(runStore, a.dispatch, a.broadcaster, uuid.NewGenerator(), clk, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		MaxCompetitors: cfg.Analyzer.MaxCompetitors,
		StallAfter:     cfg.StallAfter(),
	}, logger.Named("api"))

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) buildBlobStore(ctx context.Context) (analysis.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
	case "memory":
		return storagememory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (analysis.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	topicName := fmt.Sprintf("projects/%s/topics/%s", a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	return pubsubpublisher.New(client.Publisher(topicName)), nil
}

// Run starts the dispatcher and HTTP server and blocks until the context
// is cancelled, then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Analyzer.Workers))
		a.dispatch.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		a.logger.Error("http server error", zap.Error(err))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// Stop intake first, then wait for in-flight pipelines.
	a.queue.Close()
	<-dispatchDone

	if err := a.pool.Cleanup(shutdownCtx); err != nil {
		a.logger.Error("browser pool cleanup error", zap.Error(err))
	}
	a.broadcaster.Close()
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close service failed", zap.Error(err))
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	a.logger.Info("shutdown complete")
	return nil
}
