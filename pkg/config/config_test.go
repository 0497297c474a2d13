package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9090"
performance:
  max_concurrent_runs: 3
  sample_cap: 5000
  grace_period: 2s
llm:
  priority: [google, openai]
  openai:
    model: gpt-4o-mini
generator:
  fetch_timeout_ms: 4000
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9090", cfg.Server.Listen)
				assert.Equal(t, 3, cfg.Performance.MaxConcurrentRuns)
				assert.Equal(t, 5000, cfg.Performance.SampleCap)
				assert.Equal(t, 2*time.Second, cfg.Performance.GracePeriod)
				assert.Equal(t, []string{"google", "openai"}, cfg.LLM.Priority)
				assert.Equal(t, "gpt-4o-mini", cfg.LLM.OpenAI.Model)
				assert.Equal(t, 4*time.Second, cfg.Generator.FetchTimeout())
			},
		},
		{
			name: "prefixed string override",
			envVars: map[string]string{
				"TESTPILOT_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "prefixed duration override",
			envVars: map[string]string{
				"TESTPILOT_PERFORMANCE_GRACE_PERIOD": "750ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 750*time.Millisecond, cfg.Performance.GracePeriod)
			},
		},
		{
			name: "deployment aliases",
			envVars: map[string]string{
				"OPENAI_API_KEY":           "sk-test",
				"GOOGLE_MODEL":             "gemini-1.5-flash",
				"PTE_MAX_CONCURRENT_RUNS":  "7",
				"PTE_SAMPLE_CAP":           "42",
				"PTE_SNAPSHOT_INTERVAL_MS": "250",
				"UTG_FETCH_TIMEOUT_MS":     "1500",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
				assert.Equal(t, "gemini-1.5-flash", cfg.LLM.Google.Model)
				assert.Equal(t, 7, cfg.Performance.MaxConcurrentRuns)
				assert.Equal(t, 42, cfg.Performance.SampleCap)
				assert.Equal(t, 250*time.Millisecond, cfg.Performance.SnapshotInterval())
				assert.Equal(t, 1500*time.Millisecond, cfg.Generator.FetchTimeout())
			},
		},
		{
			name: "gemini key alias",
			envVars: map[string]string{
				"GEMINI_API_KEY": "gm-key",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "gm-key", cfg.LLM.Google.APIKey)
			},
		},
		{
			name: "bracketed priority list",
			envVars: map[string]string{
				"AI_MODEL_PRIORITY": "[openai, google]",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"openai", "google"}, cfg.LLM.Priority)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultProviderPriority, cfg.LLM.Priority)
	assert.Equal(t, DefaultOpenAIModel, cfg.LLM.OpenAI.Model)
	assert.Equal(t, DefaultGoogleModel, cfg.LLM.Google.Model)
	assert.Equal(t, DefaultMaxConcurrentRuns, cfg.Performance.MaxConcurrentRuns)
	assert.Equal(t, DefaultSampleCap, cfg.Performance.SampleCap)
	assert.Equal(t, time.Second, cfg.Performance.SnapshotInterval())
	assert.Equal(t, 10*time.Second, cfg.Generator.FetchTimeout())
	assert.Equal(t, ProjectPolicyCreate, cfg.Generator.ProjectPolicy)
	assert.Equal(t, CacheDriverMemory, cfg.Cache.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("TESTPILOT_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestNormalizeProviders(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "nil", in: nil, want: []string{}},
		{name: "plain list", in: []string{"openai", "google"}, want: []string{"openai", "google"}},
		{name: "comma string", in: []string{"OpenAI,Google"}, want: []string{"openai", "google"}},
		{name: "bracketed split", in: []string{"[openai", " google]"}, want: []string{"openai", "google"}},
		{name: "quoted", in: []string{`["google"`, `"openai"]`}, want: []string{"google", "openai"}},
		{name: "blank entries dropped", in: []string{"", " , openai"}, want: []string{"openai"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeProviders(tt.in))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.ApplyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown database driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported driver",
		},
		{
			name: "postgres requires host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Host = ""
				cfg.Database.Postgres.Database = "x"
			},
			wantErr: "postgres.host is required",
		},
		{
			name:    "concurrency must be positive",
			mutate:  func(cfg *Config) { cfg.Performance.MaxConcurrentRuns = -1 },
			wantErr: "max_concurrent_runs",
		},
		{
			name:    "negative sample cap",
			mutate:  func(cfg *Config) { cfg.Performance.SampleCap = -5 },
			wantErr: "sample_cap",
		},
		{
			name:    "unknown provider",
			mutate:  func(cfg *Config) { cfg.LLM.Priority = []string{"openai", "anthropic"} },
			wantErr: "unknown provider",
		},
		{
			name:    "duplicate provider",
			mutate:  func(cfg *Config) { cfg.LLM.Priority = []string{"google", "google"} },
			wantErr: "duplicate provider",
		},
		{
			name:    "bad project policy",
			mutate:  func(cfg *Config) { cfg.Generator.ProjectPolicy = "ignore" },
			wantErr: "project_policy",
		},
		{
			name:    "redis cache without url",
			mutate:  func(cfg *Config) { cfg.Cache.Driver = CacheDriverRedis },
			wantErr: "redis.url is required",
		},
		{
			name:    "amqp without url",
			mutate:  func(cfg *Config) { cfg.Events.AMQP.Enabled = true },
			wantErr: "amqp.url is required",
		},
		{
			name:    "s3 reports without bucket",
			mutate:  func(cfg *Config) { cfg.Reports.S3.Enabled = true },
			wantErr: "s3.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
