package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxConcurrentRuns    = 4
	DefaultQueueSize            = 8
	DefaultMaxUsers             = 1000
	DefaultSampleCap            = 100000
	DefaultSampleCapRelaxFactor = 4
	DefaultSnapshotIntervalMS   = 1000
	DefaultRequestTimeout       = 30 * time.Second
	DefaultGracePeriod          = 5 * time.Second
	DefaultAnalystBudget        = 2 * time.Minute
	DefaultMaxRecommendations   = 10
	DefaultHistoryDepth         = 5

	DefaultLLMCallTimeout  = 60 * time.Second
	DefaultLLMTemperature  = 0.3
	DefaultOpenAIModel     = "gpt-4o"
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultGoogleModel     = "gemini-pro"
	DefaultGoogleBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	DefaultBreakerFailures = 3
	DefaultBreakerCooldown = 60 * time.Second

	DefaultFetchTimeoutMS = 10000
	DefaultMaxRedirects   = 5
	DefaultMaxBodyBytes   = 2 << 20
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	DefaultCacheTTL       = 10 * time.Minute
	DefaultRedisKeyPrefix = "testpilot:fingerprint:"

	DefaultEventsExchange = "testpilot.events"
	DefaultReportPrefix   = "reports/runs"
)

// Provider identifiers accepted in llm.priority.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// DefaultProviderPriority is the provider order used when none is configured.
var DefaultProviderPriority = []string{ProviderOpenAI, ProviderGoogle}

// Project policies for test case generation against an unknown project id.
const (
	ProjectPolicyCreate = "create"
	ProjectPolicyReject = "reject"
)

// Cache drivers for page fingerprints.
const (
	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
	CacheDriverNone   = "none"
)

// PerformanceConfig contains performance test engine settings.
type PerformanceConfig struct {
	MaxConcurrentRuns    int           `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	QueueSize            int           `yaml:"queue_size" mapstructure:"queue_size"`
	MaxUsers             int           `yaml:"max_users" mapstructure:"max_users"`
	SampleCap            int           `yaml:"sample_cap" mapstructure:"sample_cap"`
	SampleCapRelaxFactor int           `yaml:"sample_cap_relax_factor" mapstructure:"sample_cap_relax_factor"`
	SnapshotIntervalMS   int           `yaml:"snapshot_interval_ms" mapstructure:"snapshot_interval_ms"`
	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	GracePeriod          time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	AnalystBudget        time.Duration `yaml:"analyst_budget" mapstructure:"analyst_budget"`
	MaxRecommendations   int           `yaml:"max_recommendations" mapstructure:"max_recommendations"`
	HistoryDepth         int           `yaml:"history_depth" mapstructure:"history_depth"`
}

// SnapshotInterval returns the RunDetail bucket width.
func (p *PerformanceConfig) SnapshotInterval() time.Duration {
	return time.Duration(p.SnapshotIntervalMS) * time.Millisecond
}

func (p *PerformanceConfig) applyDefaults() {
	if p.MaxConcurrentRuns == 0 {
		p.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}

	if p.MaxUsers == 0 {
		p.MaxUsers = DefaultMaxUsers
	}

	if p.SampleCapRelaxFactor == 0 {
		p.SampleCapRelaxFactor = DefaultSampleCapRelaxFactor
	}

	if p.SnapshotIntervalMS == 0 {
		p.SnapshotIntervalMS = DefaultSnapshotIntervalMS
	}

	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}

	if p.GracePeriod == 0 {
		p.GracePeriod = DefaultGracePeriod
	}

	if p.AnalystBudget == 0 {
		p.AnalystBudget = DefaultAnalystBudget
	}

	if p.MaxRecommendations == 0 {
		p.MaxRecommendations = DefaultMaxRecommendations
	}

	if p.HistoryDepth == 0 {
		p.HistoryDepth = DefaultHistoryDepth
	}
}

// Validate checks the performance configuration.
func (p *PerformanceConfig) Validate() error {
	if p.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be >= 1, got %d", p.MaxConcurrentRuns)
	}

	if p.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0, got %d", p.QueueSize)
	}

	if p.SampleCap < 0 {
		return fmt.Errorf("sample_cap must be >= 0, got %d", p.SampleCap)
	}

	if p.SnapshotIntervalMS < 1 {
		return fmt.Errorf("snapshot_interval_ms must be >= 1, got %d", p.SnapshotIntervalMS)
	}

	if p.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}

	return nil
}

// LLMConfig contains the provider chain settings.
type LLMConfig struct {
	Priority    []string       `yaml:"priority" mapstructure:"priority"`
	CallTimeout time.Duration  `yaml:"call_timeout" mapstructure:"call_timeout"`
	Temperature float64        `yaml:"temperature" mapstructure:"temperature"`
	OpenAI      ProviderConfig `yaml:"openai" mapstructure:"openai"`
	Google      ProviderConfig `yaml:"google" mapstructure:"google"`
	Breaker     BreakerConfig  `yaml:"breaker" mapstructure:"breaker"`
}

// ProviderConfig holds credentials and model for one LLM provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Failures uint32        `yaml:"failures" mapstructure:"failures"`
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

func (l *LLMConfig) applyDefaults() {
	l.Priority = NormalizeProviders(l.Priority)
	if len(l.Priority) == 0 {
		l.Priority = append([]string(nil), DefaultProviderPriority...)
	}

	if l.CallTimeout == 0 {
		l.CallTimeout = DefaultLLMCallTimeout
	}

	if l.OpenAI.Model == "" {
		l.OpenAI.Model = DefaultOpenAIModel
	}

	if l.OpenAI.BaseURL == "" {
		l.OpenAI.BaseURL = DefaultOpenAIBaseURL
	}

	if l.Google.Model == "" {
		l.Google.Model = DefaultGoogleModel
	}

	if l.Google.BaseURL == "" {
		l.Google.BaseURL = DefaultGoogleBaseURL
	}

	if l.Breaker.Failures == 0 {
		l.Breaker.Failures = DefaultBreakerFailures
	}

	if l.Breaker.Cooldown == 0 {
		l.Breaker.Cooldown = DefaultBreakerCooldown
	}
}

// Validate checks the LLM configuration.
func (l *LLMConfig) Validate() error {
	seen := make(map[string]struct{}, len(l.Priority))

	for _, id := range l.Priority {
		if id != ProviderOpenAI && id != ProviderGoogle {
			return fmt.Errorf("unknown provider %q in priority", id)
		}

		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate provider %q in priority", id)
		}

		seen[id] = struct{}{}
	}

	if l.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}

	return nil
}

// NormalizeProviders cleans up a provider list that may have come from an
// environment value like "[openai, google]" or "openai,google".
func NormalizeProviders(in []string) []string {
	out := make([]string, 0, len(in))

	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			id := strings.ToLower(strings.Trim(strings.TrimSpace(part), "[]\"' "))
			if id == "" {
				continue
			}

			out = append(out, id)
		}
	}

	return out
}

// GeneratorConfig contains URL-to-test-case generator settings.
type GeneratorConfig struct {
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms"`
	MaxRedirects   int    `yaml:"max_redirects" mapstructure:"max_redirects"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	ProjectPolicy  string `yaml:"project_policy" mapstructure:"project_policy"`
}

// FetchTimeout returns the page introspection wall-time bound.
func (g *GeneratorConfig) FetchTimeout() time.Duration {
	return time.Duration(g.FetchTimeoutMS) * time.Millisecond
}

func (g *GeneratorConfig) applyDefaults() {
	if g.FetchTimeoutMS == 0 {
		g.FetchTimeoutMS = DefaultFetchTimeoutMS
	}

	if g.MaxRedirects == 0 {
		g.MaxRedirects = DefaultMaxRedirects
	}

	if g.MaxBodyBytes == 0 {
		g.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if g.UserAgent == "" {
		g.UserAgent = DefaultUserAgent
	}

	if g.ProjectPolicy == "" {
		g.ProjectPolicy = ProjectPolicyCreate
	}
}

// Validate checks the generator configuration.
func (g *GeneratorConfig) Validate() error {
	if g.FetchTimeoutMS < 1 {
		return fmt.Errorf("fetch_timeout_ms must be >= 1, got %d", g.FetchTimeoutMS)
	}

	if g.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must be >= 0, got %d", g.MaxRedirects)
	}

	if g.ProjectPolicy != ProjectPolicyCreate && g.ProjectPolicy != ProjectPolicyReject {
		return fmt.Errorf("project_policy must be %q or %q, got %q",
			ProjectPolicyCreate, ProjectPolicyReject, g.ProjectPolicy)
	}

	return nil
}

// CacheConfig configures the page fingerprint cache.
type CacheConfig struct {
	Driver string           `yaml:"driver" mapstructure:"driver"`
	TTL    time.Duration    `yaml:"ttl" mapstructure:"ttl"`
	Redis  RedisCacheConfig `yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisCacheConfig contains Redis connection settings.
type RedisCacheConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

func (c *CacheConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = CacheDriverMemory
	}

	if c.TTL == 0 {
		c.TTL = DefaultCacheTTL
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}

// Validate checks the cache configuration.
func (c *CacheConfig) Validate() error {
	switch c.Driver {
	case CacheDriverMemory, CacheDriverNone:
	case CacheDriverRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}

// EventsConfig configures domain event publishing.
type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp" mapstructure:"amqp"`
}

// AMQPConfig contains RabbitMQ publisher settings.
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	URL      string `yaml:"url" mapstructure:"url"`
	Exchange string `yaml:"exchange" mapstructure:"exchange"`
}

func (e *EventsConfig) applyDefaults() {
	if e.AMQP.Exchange == "" {
		e.AMQP.Exchange = DefaultEventsExchange
	}
}

// ReportsConfig configures run report archiving.
type ReportsConfig struct {
	S3 S3ReportConfig `yaml:"s3" mapstructure:"s3"`
}

// S3ReportConfig contains S3 settings for report uploads.
type S3ReportConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

func (r *ReportsConfig) applyDefaults() {
	if r.S3.Prefix == "" {
		r.S3.Prefix = DefaultReportPrefix
	}
}
