package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ProviderMemory, cfg.Provider.Type)
	require.Equal(t, PublisherMemory, cfg.Publisher.Type)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
provider:
  type: sql
  sql:
    driver: sqlite
    dsn: /tmp/events.db
publisher:
  type: nats
  nats:
    url: nats://localhost:4222
publishFailure: log
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ProviderSQL, cfg.Provider.Type)
	require.Equal(t, "sqlite", cfg.Provider.SQL.Driver)
	require.Equal(t, "nats://localhost:4222", cfg.Publisher.NATS.URL)
	require.Equal(t, ":8080", cfg.HTTP.Addr)

	policy, err := cfg.PublishFailurePolicy()
	require.NoError(t, err)
	require.Equal(t, evstore.PublishFailureLog, policy)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestDecode_UnknownField(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("provider:\n  tpye: redis\n"), &cfg)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDecode_Empty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(nil, &cfg))
	require.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"EVSTORE_PROVIDER":     "redis",
		"EVSTORE_PUBLISHER":    "redis",
		"EVSTORE_REDIS_URL":    "redis://cache:6379/1",
		"EVSTORE_HTTP_METRICS": "false",
		"EVSTORE_AWS_ENDPOINT": "http://localstack:4566",
	})))

	require.Equal(t, ProviderRedis, cfg.Provider.Type)
	require.Equal(t, "redis://cache:6379/1", cfg.Provider.Redis.URL)
	require.Equal(t, "redis://cache:6379/1", cfg.Publisher.Redis.URL)
	require.False(t, cfg.HTTP.Metrics)
	require.Equal(t, "http://localstack:4566", cfg.Provider.DynamoDB.AWS.Endpoint)
	require.Equal(t, "http://localstack:4566", cfg.Publisher.SQS.AWS.Endpoint)

	err := cfg.ApplyEnv(env(map[string]string{"EVSTORE_HTTP_METRICS": "maybe"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider.Type = "cassandra" }},
		{"unknown publisher", func(c *Config) { c.Publisher.Type = "kafka" }},
		{"sql without dsn", func(c *Config) { c.Provider.Type = ProviderSQL; c.Provider.SQL.Driver = "sqlite" }},
		{"sqs without queue", func(c *Config) { c.Publisher.Type = PublisherSQS }},
		{"policy", func(c *Config) { c.PublishFailure = "retry" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
