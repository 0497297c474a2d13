package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// TESTPILOT_GLOBAL_LOG_LEVEL overrides global.log_level.
	EnvPrefix = "TESTPILOT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"
)

// Config is the root configuration for testpilot.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Performance PerformanceConfig `yaml:"performance" mapstructure:"performance"`
	LLM         LLMConfig         `yaml:"llm" mapstructure:"llm"`
	Generator   GeneratorConfig   `yaml:"generator" mapstructure:"generator"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Events      EventsConfig      `yaml:"events" mapstructure:"events"`
	Reports     ReportsConfig     `yaml:"reports" mapstructure:"reports"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// envAliases binds the well-known deployment variables to their config keys.
// These are honoured in addition to the TESTPILOT_ prefixed form.
var envAliases = map[string][]string{
	"llm.priority":                     {"AI_MODEL_PRIORITY"},
	"llm.openai.api_key":               {"OPENAI_API_KEY"},
	"llm.openai.model":                 {"OPENAI_MODEL"},
	"llm.openai.base_url":              {"OPENAI_BASE_URL"},
	"llm.google.api_key":               {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"llm.google.model":                 {"GOOGLE_MODEL"},
	"performance.max_concurrent_runs":  {"PTE_MAX_CONCURRENT_RUNS"},
	"performance.sample_cap":           {"PTE_SAMPLE_CAP"},
	"performance.snapshot_interval_ms": {"PTE_SNAPSHOT_INTERVAL_MS"},
	"generator.fetch_timeout_ms":       {"UTG_FETCH_TIMEOUT_MS"},
}

// Load reads configuration from the given YAML file (optional) and the
// environment. An empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.read.requests_per_minute", DefaultReadRequestsPerMinute)
	v.SetDefault("server.rate_limit.write.requests_per_minute", DefaultWriteRequestsPerMinute)

	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "testpilot")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("performance.max_concurrent_runs", DefaultMaxConcurrentRuns)
	v.SetDefault("performance.queue_size", DefaultQueueSize)
	v.SetDefault("performance.max_users", DefaultMaxUsers)
	v.SetDefault("performance.sample_cap", DefaultSampleCap)
	v.SetDefault("performance.sample_cap_relax_factor", DefaultSampleCapRelaxFactor)
	v.SetDefault("performance.snapshot_interval_ms", DefaultSnapshotIntervalMS)
	v.SetDefault("performance.request_timeout", DefaultRequestTimeout)
	v.SetDefault("performance.grace_period", DefaultGracePeriod)
	v.SetDefault("performance.analyst_budget", DefaultAnalystBudget)
	v.SetDefault("performance.max_recommendations", DefaultMaxRecommendations)
	v.SetDefault("performance.history_depth", DefaultHistoryDepth)

	v.SetDefault("llm.priority", DefaultProviderPriority)
	v.SetDefault("llm.call_timeout", DefaultLLMCallTimeout)
	v.SetDefault("llm.temperature", DefaultLLMTemperature)
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", DefaultOpenAIModel)
	v.SetDefault("llm.openai.base_url", DefaultOpenAIBaseURL)
	v.SetDefault("llm.google.api_key", "")
	v.SetDefault("llm.google.model", DefaultGoogleModel)
	v.SetDefault("llm.google.base_url", DefaultGoogleBaseURL)
	v.SetDefault("llm.breaker.enabled", true)
	v.SetDefault("llm.breaker.failures", DefaultBreakerFailures)
	v.SetDefault("llm.breaker.cooldown", DefaultBreakerCooldown)

	v.SetDefault("generator.fetch_timeout_ms", DefaultFetchTimeoutMS)
	v.SetDefault("generator.max_redirects", DefaultMaxRedirects)
	v.SetDefault("generator.max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("generator.user_agent", DefaultUserAgent)
	v.SetDefault("generator.project_policy", ProjectPolicyCreate)

	v.SetDefault("cache.driver", CacheDriverMemory)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.redis.url", "")
	v.SetDefault("cache.redis.key_prefix", DefaultRedisKeyPrefix)

	v.SetDefault("events.amqp.enabled", false)
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", DefaultEventsExchange)

	v.SetDefault("reports.s3.enabled", false)
	v.SetDefault("reports.s3.endpoint_url", "")
	v.SetDefault("reports.s3.region", "")
	v.SetDefault("reports.s3.bucket", "")
	v.SetDefault("reports.s3.access_key_id", "")
	v.SetDefault("reports.s3.secret_access_key", "")
	v.SetDefault("reports.s3.force_path_style", false)
	v.SetDefault("reports.s3.prefix", DefaultReportPrefix)
}

// applyDefaults sets default values for unspecified configuration options.
// Load already seeds viper defaults; this also covers configs built in code.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	c.Server.applyDefaults()
	c.Database.applyDefaults()
	c.Performance.applyDefaults()
	c.LLM.applyDefaults()
	c.Generator.applyDefaults()
	c.Cache.applyDefaults()
	c.Events.applyDefaults()
	c.Reports.applyDefaults()
}

// ApplyDefaults is the exported form of applyDefaults for configs that are
// constructed programmatically.
func (c *Config) ApplyDefaults() {
	c.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Performance.Validate(); err != nil {
		return fmt.Errorf("performance: %w", err)
	}

	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	if err := c.Generator.Validate(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		return fmt.Errorf("events: amqp.url is required when amqp is enabled")
	}

	if c.Reports.S3.Enabled && c.Reports.S3.Bucket == "" {
		return fmt.Errorf("reports: s3.bucket is required when s3 is enabled")
	}

	return nil
}
