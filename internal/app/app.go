// Package app initializes and holds long-lived application services. It is
// the composition root shared by the HTTP server and the one-shot CLI
// commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/clock/system"
	"github.com/JakeFAU/feedback-pipeline/internal/config"
	"github.com/JakeFAU/feedback-pipeline/internal/enrich"
	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	collyfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/feedback-pipeline/internal/headless/detector"
	"github.com/JakeFAU/feedback-pipeline/internal/ingest"
	"github.com/JakeFAU/feedback-pipeline/internal/ledger"
	"github.com/JakeFAU/feedback-pipeline/internal/pipeline"
	"github.com/JakeFAU/feedback-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/feedback-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/feedback-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/feedback-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/feedback-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/feedback-pipeline/internal/queue"
	queueMemory "github.com/JakeFAU/feedback-pipeline/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/feedback-pipeline/internal/queue/pubsub"
	"github.com/JakeFAU/feedback-pipeline/internal/source"
	"github.com/JakeFAU/feedback-pipeline/internal/source/appstore"
	"github.com/JakeFAU/feedback-pipeline/internal/source/googleplay"
	"github.com/JakeFAU/feedback-pipeline/internal/source/reddit"
	"github.com/JakeFAU/feedback-pipeline/internal/source/trustpilot"
	"github.com/JakeFAU/feedback-pipeline/internal/source/twitter"
	gcsstorage "github.com/JakeFAU/feedback-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/feedback-pipeline/internal/storage/local"
	memoryStorage "github.com/JakeFAU/feedback-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/feedback-pipeline/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/feedback-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
	"github.com/JakeFAU/feedback-pipeline/internal/telemetry"
)

// App holds the shared, long-lived services. It is built once at startup
// and handed to the server or CLI command that needs it.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Clock        feedback.Clock
	Owners       store.OwnerRepository
	Records      store.RecordRepository
	Ledger       *ledger.Service
	Queue        queue.Queue
	Orchestrator *pipeline.Orchestrator
	Enrichment   *enrich.Job
	Hub          *progress.Hub

	ledgerRepo   store.LedgerRepository
	registerer   prometheus.Registerer
	pubsubClient *pubsub.Client
	publisher    interface{ Close() error }
	migrate      func(context.Context) error
	closers      []func(context.Context) error
	closeOnce    sync.Once
	closeErr     error
}

// Option customizes New.
type Option func(*App)

// WithRegisterer registers progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithClock replaces the wall clock (primarily for testing).
func WithClock(c feedback.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// New wires every service from cfg. It fails fast when a backend cannot be
// reached; anything opened before the failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:     cfg,
		Logger:     logger,
		Clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.Logger.Info("building application dependencies",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("classifier", cfg.Enrichment.Classifier),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, tErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if tErr != nil {
			return nil, fmt.Errorf("tracer provider init failed: %w", tErr)
		}
		a.closers = append(a.closers, tp.Shutdown)
	}
	if err = a.setupStores(ctx); err != nil {
		return nil, err
	}
	a.Ledger = ledger.New(a.ledgerRepo, a.Clock, a.Logger.Named("ledger"))

	if cfg.Queue.Backend == "pubsub" || cfg.PubSub.ProjectID != "" {
		if a.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID); err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.pubsubClient.Close() })
	}
	if err = a.setupQueue(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := a.setupSources()
	if err != nil {
		return nil, err
	}
	if err = a.setupEnrichment(); err != nil {
		return nil, err
	}

	runnerOpts := []ingest.Option{ingest.WithEmitter(a.Hub)}
	if blobs != nil {
		runnerOpts = append(runnerOpts, ingest.WithArchiver(ingest.NewArchiver(blobs, cfg.Archive.Prefix, a.Clock)))
	}
	runner := ingest.NewRunner(ingestConfig(cfg.Ingest), a.Ledger, a.Records, registry, a.Clock, a.Logger, runnerOpts...)

	a.Orchestrator, err = pipeline.New(
		pipeline.Config{MaxRetries: cfg.Pipeline.MaxRetries, RetryDelay: cfg.Pipeline.RetryDelay},
		a.Ledger,
		a.Owners,
		pipeline.Steps{
			feedback.StepIngestion:  pipeline.IngestionStep(runner),
			feedback.StepEnrichment: pipeline.EnrichmentStep(a.Enrichment, a.Ledger),
		},
		a.Clock,
		a.Logger,
		pipeline.WithEmitter(a.Hub),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	a.Logger.Info("application services initialized")
	return a, nil
}

func (a *App) setupStores(ctx context.Context) error {
	cfg := a.Config.DB
	switch cfg.Driver {
	case "postgres":
		pg, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		}, a.Logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.Owners, a.Records, a.ledgerRepo = pg, pg, pg
		a.migrate = func(ctx context.Context) error { return pg.Migrate(ctx, a.Config.Enrichment.Dimension) }
		a.closers = append(a.closers, func(context.Context) error { pg.Close(); return nil })
		a.Logger.Info("postgres store initialized")
	case "sqlite":
		lite, err := sqlitestore.Open(ctx, cfg.Path, a.Logger.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.Owners, a.Records, a.ledgerRepo = lite, lite, lite
		a.closers = append(a.closers, func(context.Context) error { return lite.Close() })
		a.Logger.Info("sqlite store initialized", zap.String("path", cfg.Path))
	case "memory":
		a.Owners = memoryStorage.NewOwnerStore()
		a.Records = memoryStorage.NewRecordStore()
		a.ledgerRepo = memoryStorage.NewLedgerStore()
		a.Logger.Warn("using in-memory stores; nothing survives a restart")
	default:
		return fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.Config.Queue.Backend {
	case "pubsub":
		q, err := queuePubSub.New(ctx, a.pubsubClient, queuePubSub.Config{
			TopicID:        a.Config.Queue.Topic,
			SubscriptionID: a.Config.Queue.Subscription,
			MaxOutstanding: a.Config.Queue.MaxOutstanding,
		}, a.Logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.Queue = q
		a.Logger.Info("Pub/Sub run queue initialized",
			zap.String("topic", a.Config.Queue.Topic),
			zap.String("subscription", a.Config.Queue.Subscription),
		)
	default:
		a.Queue = queueMemory.NewQueue(a.Config.Queue.Capacity)
		a.Logger.Info("in-memory run queue initialized", zap.Int("capacity", a.Config.Queue.Capacity))
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.Config.Events.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.Logger.Named("progress_log")))
	}
	if topic := a.Config.Events.Topic; topic != "" {
		var publisher feedback.Publisher
		if a.pubsubClient != nil {
			p := gcppublisher.New(a.pubsubClient)
			publisher, a.publisher = p, p
			a.Logger.Info("Pub/Sub event publisher initialized", zap.String("topic", topic))
		} else {
			p := memorypublisher.New()
			publisher, a.publisher = p, p
			a.Logger.Warn("no Pub/Sub project configured, using in-memory event publisher")
		}
		sinkList = append(sinkList, progresssinks.NewPublisherSink(publisher, topic, a.Logger.Named("progress_events")))
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     a.Config.Events.BufferSize,
		MaxBatchEvents: a.Config.Events.MaxBatchEvents,
		MaxBatchWait:   a.Config.Events.MaxBatchWait,
		SinkTimeout:    a.Config.Events.SinkTimeout,
		BaseContext:    ctx,
		Logger:         a.Logger.Named("progress_hub"),
	}, sinkList...)
	a.Logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (feedback.BlobStore, error) {
	cfg := a.Config.Archive
	switch cfg.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return blobs.Close() })
		a.Logger.Info("archiving batches to GCS", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.Logger.Info("archiving batches to local disk", zap.String("path", cfg.LocalDir))
		return blobs, nil
	case "memory":
		a.Logger.Info("archiving batches in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.Logger.Info("batch archive disabled")
		return nil, nil
	}
}

func (a *App) setupSources() (*source.Registry, error) {
	cfg := a.Config.Ingest
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		HostRPS:      cfg.RateLimit.HostRPS,
	})
	client := source.NewClient(
		source.ClientConfig{Timeout: cfg.Timeout, UserAgent: cfg.UserAgent},
		nil,
		limiter,
		a.Logger.Named("source_client"),
	).WithRetryPolicy(source.NewRetryPolicyWith(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax))

	var pages trustpilot.PageFetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.Trustpilot.RespectRobots,
		Timeout:       cfg.Timeout,
	}, limiter)
	if hc := cfg.Trustpilot.Headless; hc.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: hc.NavigationTimeout,
		}, limiter)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return renderer.Close() })
		pages = headlessfetcher.NewPromoting(pages, renderer, detector.New(hc.PromotionThreshold), a.Logger.Named("trustpilot_fetch"))
		a.Logger.Info("headless promotion enabled for trustpilot", zap.Int("max_parallel", hc.MaxParallel))
	}

	registry, err := source.NewRegistry(
		appstore.New(appstore.Config{BaseURL: cfg.AppStore.BaseURL, MaxPages: cfg.AppStore.MaxPages}, client),
		googleplay.New(googleplay.Config{BaseURL: cfg.GooglePlay.BaseURL, Sort: cfg.GooglePlay.Sort}, client),
		reddit.New(reddit.Config{
			ClientID:      cfg.Reddit.ClientID,
			ClientSecret:  cfg.Reddit.ClientSecret,
			AuthURL:       cfg.Reddit.AuthURL,
			APIURL:        cfg.Reddit.APIURL,
			FetchComments: cfg.Reddit.FetchComments,
			CommentLimit:  cfg.Reddit.CommentLimit,
		}, client),
		trustpilot.New(trustpilot.Config{BaseURL: cfg.Trustpilot.BaseURL}, pages),
		twitter.New(twitter.Config{
			APIKey:      cfg.Twitter.APIKey,
			BaseURL:     cfg.Twitter.BaseURL,
			QueryType:   cfg.Twitter.QueryType,
			QuerySuffix: cfg.Twitter.QuerySuffix,
		}, client),
	)
	if err != nil {
		return nil, fmt.Errorf("source registry init failed: %w", err)
	}
	a.Logger.Info("source adapters registered",
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
	)
	return registry, nil
}

func (a *App) setupEnrichment() error {
	cfg := a.Config.Enrichment
	// The classifier and embedder are local services; they skip the
	// per-host limiter used for public providers.
	client := source.NewClient(
		source.ClientConfig{Timeout: a.Config.Ingest.Timeout * 4, UserAgent: a.Config.Ingest.UserAgent},
		nil,
		nil,
		a.Logger.Named("enrich_client"),
	).WithRetryPolicy(source.NewRetryPolicyWith(a.Config.Ingest.MaxAttempts, a.Config.Ingest.BackoffInitial, a.Config.Ingest.BackoffMax))

	var classifier feedback.Classifier
	switch cfg.Classifier {
	case "anthropic":
		c, err := enrich.NewAnthropicClassifier(enrich.AnthropicConfig{
			APIKey:     cfg.Anthropic.APIKey,
			BaseURL:    cfg.Anthropic.BaseURL,
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			MaxBatch:   cfg.MaxBatch,
			Categories: cfg.Anthropic.Categories,
		}, a.Logger.Named("anthropic"))
		if err != nil {
			return fmt.Errorf("anthropic classifier init failed: %w", err)
		}
		classifier = c
	case "csv":
		classifier = enrich.NewCSVClassifier(client, cfg.ClassifierURL, cfg.MaxBatch)
	default:
		return fmt.Errorf("unknown classifier %q", cfg.Classifier)
	}

	opts := []enrich.Option{enrich.WithEmitter(a.Hub)}
	if cfg.EmbedURL != "" {
		opts = append(opts, enrich.WithEmbedder(enrich.NewHTTPEmbedder(client, cfg.EmbedURL, cfg.Dimension)))
	}
	a.Enrichment = enrich.NewJob(enrich.Config{
		BatchSize:        cfg.BatchSize,
		MaxStalledPasses: cfg.MaxStalledPasses,
		EmbedBatchSize:   cfg.EmbedBatchSize,
		Dimension:        cfg.Dimension,
	}, a.Records, classifier, a.Clock, a.Logger, opts...)
	return nil
}

func ingestConfig(cfg config.IngestConfig) ingest.Config {
	out := ingest.DefaultConfig()
	for src, s := range cfg.SourceSettings() {
		out.Sources[src] = ingest.SourceSettings{Target: s.Target, BatchSize: s.BatchSize}
	}
	if cfg.BatchPause > 0 {
		out.BatchPause = cfg.BatchPause
	}
	if cfg.SubstepPause > 0 {
		out.SubstepPause = cfg.SubstepPause
	}
	if cfg.MaxStaleBatches > 0 {
		out.MaxStaleBatches = cfg.MaxStaleBatches
	}
	return out
}

// Migrate applies the database schema. SQLite migrates on open and the
// in-memory stores need none.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate == nil {
		return nil
	}
	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close shuts services down in reverse dependency order. Later calls
// return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("shutdown finished with errors", zap.Error(err))
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}
