// Package config defines the configuration of the report ingestor. It is
// loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> SecretProvider references (Lowest)
//
// Any missing required value or invalid format is a ConfigurationError; the
// entrypoints exit immediately (fail fast).
package config

import (
	"time"

	"adsingest/internal/types"
)

// SecretString is an alias for types.SecretString so configuration can name
// secrets without importing types directly.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment  string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service      string `envconfig:"SERVICE_NAME" default:"adsingest"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	AccountsFile string `envconfig:"ACCOUNTS_FILE"`

	Server        ServerConfig
	Database      DatabaseConfig
	Ads           AdsAPIConfig
	Limiter       LimiterConfig
	Scheduler     SchedulerConfig
	Notify        NotifyConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the ops HTTP server settings of the daemon.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AdsAPIConfig holds the reporting API credentials, regional endpoints and
// per-operation timeouts.
type AdsAPIConfig struct {
	ClientID    string       `envconfig:"ADS_CLIENT_ID" validate:"required"`
	AccessToken SecretString `envconfig:"ADS_ACCESS_TOKEN" validate:"required"`
	UserAgent   string       `envconfig:"ADS_USER_AGENT" default:"adsingest/1.0"`

	EndpointNA string `envconfig:"ADS_ENDPOINT_NA" default:"https://advertising-api.amazon.com" validate:"url"`
	EndpointEU string `envconfig:"ADS_ENDPOINT_EU" default:"https://advertising-api-eu.amazon.com" validate:"url"`
	EndpointFE string `envconfig:"ADS_ENDPOINT_FE" default:"https://advertising-api-fe.amazon.com" validate:"url"`

	CreateTimeout   time.Duration `envconfig:"ADS_CREATE_TIMEOUT" default:"30s"`
	StatusTimeout   time.Duration `envconfig:"ADS_STATUS_TIMEOUT" default:"15s"`
	DownloadTimeout time.Duration `envconfig:"ADS_DOWNLOAD_TIMEOUT" default:"60s"`
}

// LimiterConfig holds the baseline cadence shared by every Ads API caller.
type LimiterConfig struct {
	MaxConcurrent      int           `envconfig:"ADS_MAX_CONCURRENT" default:"2" validate:"min=1"`
	MinSpacing         time.Duration `envconfig:"ADS_MIN_SPACING" default:"500ms"`
	ThrottleBuffer     time.Duration `envconfig:"ADS_THROTTLE_BUFFER" default:"250ms"`
	MaxThrottleRetries int           `envconfig:"ADS_MAX_THROTTLE_RETRIES" default:"5" validate:"min=0"`
}

// SchedulerConfig holds admission control and worker lifecycle settings.
type SchedulerConfig struct {
	ConcurrencyBudget  int           `envconfig:"SCHEDULER_CONCURRENCY_BUDGET" default:"5" validate:"min=1"`
	Interval           time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5m"`
	AccountParallelism int           `envconfig:"SCHEDULER_ACCOUNT_PARALLELISM" default:"4" validate:"min=1"`
	StaleRefreshAfter  time.Duration `envconfig:"SCHEDULER_STALE_REFRESH_AFTER" default:"30m"`
	ReportHandleTTL    time.Duration `envconfig:"SCHEDULER_REPORT_HANDLE_TTL" default:"24h"`
	WorkerTimeout      time.Duration `envconfig:"SCHEDULER_WORKER_TIMEOUT" default:"10m"`
	DrainTimeout       time.Duration `envconfig:"SCHEDULER_DRAIN_TIMEOUT" default:"2m"`
}

// NotifyConfig selects where tuple change notifications go. The Postgres
// channel is always used; the SQS queue is optional.
type NotifyConfig struct {
	PGChannel string `envconfig:"NOTIFY_PG_CHANNEL" default:"report_dataset_changes" validate:"required"`
	QueueURL  string `envconfig:"NOTIFY_QUEUE_URL" validate:"omitempty,url"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"AdsIngest"`
	MetricsSink     string `envconfig:"METRICS_SINK" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a failure when resolving secret references.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
