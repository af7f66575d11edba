// Package app assembles the ingestor's components from configuration. Both
// the long-running daemon and the Lambda scheduler build the same graph.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"adsingest/internal/accounts"
	"adsingest/internal/config"
	"adsingest/internal/core"
	"adsingest/internal/db"
	"adsingest/internal/external"
	"adsingest/internal/ingest"
	"adsingest/internal/metrics"
	"adsingest/internal/notify"
	"adsingest/internal/registry"
	"adsingest/internal/report"
	"adsingest/internal/types"
)

// Sink receives both tuple lifecycle telemetry and limiter throttle events.
type Sink interface {
	ingest.Metrics
	external.ThrottleRecorder
}

// App holds the wired component graph.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Sink       Sink
	Prometheus *metrics.Prometheus // nil unless METRICS_SINK=prometheus
	Registry   *registry.Registry
	Dispatcher *ingest.Dispatcher
	Scheduler  *ingest.Scheduler
	Recovery   *ingest.Recovery
}

// NewLogger returns the JSON slog logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Build connects to the database, applies the schema, syncs the roster and
// wires every component. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool}

	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	roster, err := syncRoster(ctx, cfg.AccountsFile, db.NewAccountRepository(pool), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var awsCfg *aws.Config
	if cfg.Observability.MetricsSink == "cloudwatch" || cfg.Notify.QueueURL != "" {
		loaded, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			pool.Close()
			return nil, err
		}
		awsCfg = &loaded
	}

	switch cfg.Observability.MetricsSink {
	case "cloudwatch":
		a.Sink = metrics.NewCloudWatch(cloudwatch.NewFromConfig(*awsCfg), cfg.Observability.MetricNamespace, logger)
	case "prometheus":
		a.Prometheus = metrics.NewPrometheus(nil)
		a.Sink = a.Prometheus
	default:
		a.Sink = metrics.Nop{}
	}

	sinks := []notify.Publisher{db.NewPgNotifier(pool, cfg.Notify.PGChannel)}
	if cfg.Notify.QueueURL != "" {
		sinks = append(sinks, notify.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), cfg.Notify.QueueURL, logger))
	}

	tuples := db.NewReportTupleRepository(pool)
	a.Registry = registry.New(registry.Config{
		Store:    tuples,
		Notifier: notify.NewFanout(sinks...),
		Logger:   logger,
	})

	limiter := external.NewAdaptiveLimiter(external.LimiterConfig{
		MaxConcurrent:      cfg.Limiter.MaxConcurrent,
		MinSpacing:         cfg.Limiter.MinSpacing,
		ThrottleBuffer:     cfg.Limiter.ThrottleBuffer,
		MaxThrottleRetries: cfg.Limiter.MaxThrottleRetries,
		Logger:             logger,
		Recorder:           a.Sink,
	})
	ads := external.NewAdsReportingClient(&http.Client{}, limiter, external.AdsClientConfig{
		ClientID:  cfg.Ads.ClientID,
		Tokens:    external.NewStaticTokenSource(cfg.Ads.AccessToken),
		UserAgent: cfg.Ads.UserAgent,
		Endpoints: map[types.Region]string{
			types.RegionNA: cfg.Ads.EndpointNA,
			types.RegionEU: cfg.Ads.EndpointEU,
			types.RegionFE: cfg.Ads.EndpointFE,
		},
		CreateTimeout:   cfg.Ads.CreateTimeout,
		StatusTimeout:   cfg.Ads.StatusTimeout,
		DownloadTimeout: cfg.Ads.DownloadTimeout,
		Logger:          logger,
	})

	parser := report.NewParser(report.Config{
		Downloader: ads,
		Lookup:     db.NewTargetRepository(pool),
		Writer:     db.NewAggregateRepository(pool),
		Logger:     logger,
	})

	worker := ingest.NewWorker(ingest.WorkerConfig{
		Registry:  a.Registry,
		API:       ads,
		Parser:    parser,
		Metrics:   a.Sink,
		HandleTTL: cfg.Scheduler.ReportHandleTTL,
		Logger:    logger,
	})
	a.Dispatcher = ingest.NewDispatcher(ingest.DispatcherConfig{
		Runner:        worker,
		WorkerTimeout: cfg.Scheduler.WorkerTimeout,
		Logger:        logger,
	})
	a.Scheduler = ingest.NewScheduler(ingest.SchedulerConfig{
		Selector:           tuples,
		Registry:           a.Registry,
		Accounts:           accounts.NewSource(db.NewAccountRepository(pool), roster),
		Dispatcher:         a.Dispatcher,
		Metrics:            a.Sink,
		Budget:             cfg.Scheduler.ConcurrencyBudget,
		AccountParallelism: cfg.Scheduler.AccountParallelism,
		Logger:             logger,
	})
	a.Recovery = ingest.NewRecovery(a.Registry, a.Sink, time.Now, logger)

	return a, nil
}

// OpsServer builds the ops HTTP server over the app's scheduler and registry.
func (a *App) OpsServer() (*core.Server, error) {
	opts := []core.ServerOption{
		core.WithHealthProbes(core.ProbeFunc{ProbeName: "database", Fn: a.Pool.Ping}),
	}
	if a.Prometheus != nil {
		opts = append(opts, core.WithMetricsHandler(a.Prometheus.Handler()))
	}
	return core.NewServer(a.Logger, a.Scheduler, a.Registry, opts...)
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// AccountWriter persists roster entries.
type AccountWriter interface {
	Upsert(ctx context.Context, a types.Account) error
}

// syncRoster loads the roster file, when configured, and writes its entries
// to the accounts table so the ops API and later passes see them.
func syncRoster(ctx context.Context, path string, store AccountWriter, logger *slog.Logger) ([]types.Account, error) {
	if path == "" {
		return nil, nil
	}
	roster, err := accounts.LoadRoster(path)
	if err != nil {
		return nil, err
	}
	for _, acct := range roster {
		if err := store.Upsert(ctx, acct); err != nil {
			return nil, fmt.Errorf("syncing account %s: %w", acct.ID, err)
		}
	}
	logger.InfoContext(ctx, "account roster synced", "path", path, "accounts", len(roster))
	return roster, nil
}

func loadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return loaded, nil
}
