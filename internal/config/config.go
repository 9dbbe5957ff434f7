// Package config loads meraki-report configuration from defaults, an
// optional YAML file and MERAKI_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/aggregate"
	"github.com/Sternrassler/meraki-report/pkg/cache"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/collector"
	"github.com/Sternrassler/meraki-report/pkg/fetch"
	"github.com/Sternrassler/meraki-report/pkg/logging"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
	"github.com/go-playground/validator/v10"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete run configuration.
type Config struct {
	// APIKey authenticates against the dashboard API (MERAKI_API_KEY).
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url" validate:"required,url"`

	OrgIDs []string `koanf:"org_ids"`
	Days   int      `koanf:"days" validate:"min=1,max=31"`

	// Output is the report file; its extension selects JSON or YAML.
	Output           string `koanf:"output" validate:"required"`
	IncludeInventory bool   `koanf:"include_inventory"`
	MetricsFile      string `koanf:"metrics_file"`

	// Blacklist lists networks never queried for clients.
	Blacklist []string `koanf:"blacklist"`

	Client    ClientConfig    `koanf:"client"`
	Governor  GovernorConfig  `koanf:"governor"`
	Invoker   InvokerConfig   `koanf:"invoker"`
	Fetch     FetchConfig     `koanf:"fetch"`
	Aggregate AggregateConfig `koanf:"aggregate"`
	Store     cache.Config    `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int           `koanf:"burst" validate:"gte=1"`
	HTTPTimeout       time.Duration `koanf:"http_timeout" validate:"gt=0"`
	BreakerFailures   uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
	ListingPageSize   int           `koanf:"listing_page_size" validate:"min=3,max=1000"`
	ClientPageSize    int           `koanf:"client_page_size" validate:"min=3,max=5000"`
	OrgConcurrency    int           `koanf:"org_concurrency" validate:"gte=1"`
}

// GovernorConfig configures the adaptive concurrency limit.
type GovernorConfig struct {
	InitialLimit      int `koanf:"initial_limit" validate:"gtefield=MinLimit,ltefield=MaxLimit"`
	MinLimit          int `koanf:"min_limit" validate:"gte=1"`
	MaxLimit          int `koanf:"max_limit" validate:"gtefield=MinLimit"`
	IncreaseThreshold int `koanf:"increase_threshold" validate:"gte=1"`
}

// InvokerConfig configures per-call retries.
type InvokerConfig struct {
	AttemptTimeout time.Duration `koanf:"attempt_timeout" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0"`
	JitterMin      time.Duration `koanf:"jitter_min" validate:"gte=0"`
	JitterMax      time.Duration `koanf:"jitter_max" validate:"gtefield=JitterMin"`
	BackoffStep    time.Duration `koanf:"backoff_step" validate:"gte=0"`
}

// FetchConfig configures the escalating fetch strategy.
type FetchConfig struct {
	StandardTimeout   time.Duration `koanf:"standard_timeout" validate:"gt=0"`
	ChunkRetries      int           `koanf:"chunk_retries" validate:"gte=1"`
	InitialChunkHours float64       `koanf:"initial_chunk_hours" validate:"gtefield=MinChunkHours"`
	MinChunkHours     float64       `koanf:"min_chunk_hours" validate:"gt=0"`
	MinChunkTimeout   time.Duration `koanf:"min_chunk_timeout" validate:"gt=0"`
}

// AggregateConfig configures window and entity batching.
type AggregateConfig struct {
	WindowParallelism    int           `koanf:"window_parallelism" validate:"gte=1"`
	MaxWindowParallelism int           `koanf:"max_window_parallelism" validate:"gtefield=WindowParallelism"`
	GroupSize            int           `koanf:"group_size" validate:"gte=1"`
	SubBatchSize         int           `koanf:"sub_batch_size" validate:"gte=1"`
	SubBatchTimeout      time.Duration `koanf:"sub_batch_timeout" validate:"gt=0"`
	IndividualTimeout    time.Duration `koanf:"individual_timeout" validate:"gt=0"`
	DedupeField          string        `koanf:"dedupe_field" validate:"required"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `koanf:"pretty"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	cc := client.DefaultConfig("")
	gc := ratelimit.DefaultGovernorConfig()
	ic := client.DefaultInvokerConfig()
	fc := fetch.DefaultConfig()
	ac := aggregate.DefaultConfig()
	col := collector.DefaultConfig()

	return &Config{
		BaseURL: client.DefaultBaseURL,
		Days:    14,
		Output:  "meraki-report.json",
		Client: ClientConfig{
			RequestsPerSecond: cc.RequestsPerSecond,
			Burst:             cc.Burst,
			HTTPTimeout:       cc.HTTPTimeout,
			BreakerFailures:   cc.BreakerFailures,
			BreakerCooldown:   cc.BreakerCooldown,
			ListingPageSize:   col.ListingPageSize,
			ClientPageSize:    col.ClientPageSize,
			OrgConcurrency:    col.OrgConcurrency,
		},
		Governor: GovernorConfig{
			InitialLimit:      gc.InitialLimit,
			MinLimit:          gc.MinLimit,
			MaxLimit:          gc.MaxLimit,
			IncreaseThreshold: gc.IncreaseThreshold,
		},
		Invoker: InvokerConfig{
			AttemptTimeout: ic.AttemptTimeout,
			MaxRetries:     ic.MaxRetries,
			JitterMin:      ic.JitterMin,
			JitterMax:      ic.JitterMax,
			BackoffStep:    ic.BackoffStep,
		},
		Fetch: FetchConfig{
			StandardTimeout:   fc.StandardTimeout,
			ChunkRetries:      fc.ChunkRetries,
			InitialChunkHours: fc.InitialChunkHours,
			MinChunkHours:     fc.MinChunkHours,
			MinChunkTimeout:   fc.MinChunkTimeout,
		},
		Aggregate: AggregateConfig{
			WindowParallelism:    ac.InitialWindowParallelism,
			MaxWindowParallelism: ac.MaxWindowParallelism,
			GroupSize:            ac.GroupSize,
			SubBatchSize:         ac.SubBatchSize,
			SubBatchTimeout:      ac.SubBatchTimeout,
			IndividualTimeout:    ac.IndividualTimeout,
			DedupeField:          ac.DedupeField,
		},
		Store: cache.Config{
			Backend: cache.BackendMemory,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Validate checks the configuration. A missing API key is reported as
// client.ErrMissingAPIKey.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return client.ErrMissingAPIKey
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, describe(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s must satisfy %s", field, fe.Tag())
}

// ClientConfig returns the dashboard client configuration.
func (c *Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.APIKey)
	cc.BaseURL = c.BaseURL
	cc.RequestsPerSecond = c.Client.RequestsPerSecond
	cc.Burst = c.Client.Burst
	cc.HTTPTimeout = c.Client.HTTPTimeout
	cc.BreakerFailures = c.Client.BreakerFailures
	cc.BreakerCooldown = c.Client.BreakerCooldown
	return cc
}

// GovernorConfig returns the concurrency governor bounds.
func (c *Config) GovernorConfig() ratelimit.GovernorConfig {
	return ratelimit.GovernorConfig{
		InitialLimit:      c.Governor.InitialLimit,
		MinLimit:          c.Governor.MinLimit,
		MaxLimit:          c.Governor.MaxLimit,
		IncreaseThreshold: c.Governor.IncreaseThreshold,
	}
}

// InvokerConfig returns the retry policy.
func (c *Config) InvokerConfig() client.InvokerConfig {
	return client.InvokerConfig{
		AttemptTimeout: c.Invoker.AttemptTimeout,
		MaxRetries:     c.Invoker.MaxRetries,
		JitterMin:      c.Invoker.JitterMin,
		JitterMax:      c.Invoker.JitterMax,
		BackoffStep:    c.Invoker.BackoffStep,
	}
}

// CollectorConfig returns the collector configuration, including the fetch
// and aggregation parameters.
func (c *Config) CollectorConfig() collector.Config {
	cfg := collector.DefaultConfig()
	cfg.ListingPageSize = c.Client.ListingPageSize
	cfg.ClientPageSize = c.Client.ClientPageSize
	cfg.OrgConcurrency = c.Client.OrgConcurrency
	cfg.Blacklist = c.Blacklist

	cfg.Fetch.StandardTimeout = c.Fetch.StandardTimeout
	cfg.Fetch.ChunkRetries = c.Fetch.ChunkRetries
	cfg.Fetch.InitialChunkHours = c.Fetch.InitialChunkHours
	cfg.Fetch.MinChunkHours = c.Fetch.MinChunkHours
	cfg.Fetch.MinChunkTimeout = c.Fetch.MinChunkTimeout

	cfg.Aggregate.InitialWindowParallelism = c.Aggregate.WindowParallelism
	cfg.Aggregate.MaxWindowParallelism = c.Aggregate.MaxWindowParallelism
	cfg.Aggregate.GroupSize = c.Aggregate.GroupSize
	cfg.Aggregate.SubBatchSize = c.Aggregate.SubBatchSize
	cfg.Aggregate.SubBatchTimeout = c.Aggregate.SubBatchTimeout
	cfg.Aggregate.IndividualTimeout = c.Aggregate.IndividualTimeout
	cfg.Aggregate.DedupeField = c.Aggregate.DedupeField
	return cfg
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
