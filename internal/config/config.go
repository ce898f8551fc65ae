// Package config describes the backends of an evstore process. It is read
// from a YAML file and overridden by EVSTORE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/awsconf"
)

// Provider types.
const (
	ProviderMemory   = "memory"
	ProviderNATS     = "nats"
	ProviderPostgres = "postgres"
	ProviderSQL      = "sql"
	ProviderRedis    = "redis"
	ProviderMongo    = "mongo"
	ProviderDynamoDB = "dynamodb"
)

// Publisher types.
const (
	PublisherNone     = "none"
	PublisherMemory   = "memory"
	PublisherNATS     = "nats"
	PublisherRedis    = "redis"
	PublisherRabbitMQ = "rabbitmq"
	PublisherSQS      = "sqs"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Provider  ProviderConfig  `yaml:"provider"`
	Publisher PublisherConfig `yaml:"publisher"`
	// PublishFailure is "propagate" (default) or "log".
	PublishFailure string `yaml:"publishFailure"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default info)
	Format string `yaml:"format"` // text or json (default text)
}

type HTTPConfig struct {
	Addr    string `yaml:"addr"`    // default ":8080"
	Metrics bool   `yaml:"metrics"` // serve /metrics
}

type ProviderConfig struct {
	Type     string         `yaml:"type"`
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQL      SQLConfig      `yaml:"sql"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type PublisherConfig struct {
	Type     string         `yaml:"type"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	SQS      SQSConfig      `yaml:"sqs"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"streamName"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"tablePrefix"`
}

type SQLConfig struct {
	Driver      string `yaml:"driver"` // sqlite, mysql or postgres
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"tablePrefix"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type MongoConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collectionPrefix"`
}

type DynamoDBConfig struct {
	AWS         awsconf.Config `yaml:"aws"`
	Table       string         `yaml:"table"`
	CreateTable bool           `yaml:"createTable"`
}

type RabbitMQConfig struct {
	URL            string `yaml:"url"`
	ExchangePrefix string `yaml:"exchangePrefix"`
}

type SQSConfig struct {
	AWS         awsconf.Config `yaml:"aws"`
	QueueURL    string         `yaml:"queueUrl"`
	QueueName   string         `yaml:"queueName"`
	CreateQueue bool           `yaml:"createQueue"`
}

// Default returns an in-memory configuration.
func Default() Config {
	return Config{
		Log:            LogConfig{Level: "info", Format: "text"},
		HTTP:           HTTPConfig{Addr: ":8080", Metrics: true},
		Provider:       ProviderConfig{Type: ProviderMemory},
		Publisher:      PublisherConfig{Type: PublisherMemory},
		PublishFailure: evstore.PublishFailurePropagate.String(),
	}
}

// Load reads path over the defaults, applies the environment and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals YAML into cfg, rejecting unknown fields.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ApplyEnv overrides fields from EVSTORE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string][]*string{
		"EVSTORE_LOG_LEVEL":       {&c.Log.Level},
		"EVSTORE_LOG_FORMAT":      {&c.Log.Format},
		"EVSTORE_HTTP_ADDR":       {&c.HTTP.Addr},
		"EVSTORE_PROVIDER":        {&c.Provider.Type},
		"EVSTORE_PUBLISHER":       {&c.Publisher.Type},
		"EVSTORE_PUBLISH_FAILURE": {&c.PublishFailure},
		"EVSTORE_NATS_URL":        {&c.Provider.NATS.URL, &c.Publisher.NATS.URL},
		"EVSTORE_REDIS_URL":       {&c.Provider.Redis.URL, &c.Publisher.Redis.URL},
		"EVSTORE_POSTGRES_DSN":    {&c.Provider.Postgres.DSN},
		"EVSTORE_SQL_DRIVER":      {&c.Provider.SQL.Driver},
		"EVSTORE_SQL_DSN":         {&c.Provider.SQL.DSN},
		"EVSTORE_MONGO_URI":       {&c.Provider.Mongo.URI},
		"EVSTORE_DYNAMODB_TABLE":  {&c.Provider.DynamoDB.Table},
		"EVSTORE_RABBITMQ_URL":    {&c.Publisher.RabbitMQ.URL},
		"EVSTORE_SQS_QUEUE_URL":   {&c.Publisher.SQS.QueueURL},
		"EVSTORE_SQS_QUEUE_NAME":  {&c.Publisher.SQS.QueueName},
		"EVSTORE_AWS_REGION":      {&c.Provider.DynamoDB.AWS.Region, &c.Publisher.SQS.AWS.Region},
		"EVSTORE_AWS_ENDPOINT":    {&c.Provider.DynamoDB.AWS.Endpoint, &c.Publisher.SQS.AWS.Endpoint},
	}
	for name, dsts := range strs {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		for _, dst := range dsts {
			*dst = v
		}
	}

	if v, ok := lookup("EVSTORE_HTTP_METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: EVSTORE_HTTP_METRICS: %w", ErrInvalid, err)
		}
		c.HTTP.Metrics = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.Provider.Type {
	case ProviderMemory, ProviderNATS, ProviderPostgres, ProviderRedis, ProviderMongo, ProviderDynamoDB:
	case ProviderSQL:
		if c.Provider.SQL.Driver == "" || c.Provider.SQL.DSN == "" {
			errs = append(errs, errors.New("provider sql needs driver and dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Type))
	}

	switch c.Publisher.Type {
	case "", PublisherNone, PublisherMemory, PublisherNATS, PublisherRedis, PublisherRabbitMQ:
	case PublisherSQS:
		if c.Publisher.SQS.QueueURL == "" && c.Publisher.SQS.QueueName == "" {
			errs = append(errs, errors.New("publisher sqs needs queueUrl or queueName"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publisher %q", c.Publisher.Type))
	}

	if _, err := c.PublishFailurePolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c Config) PublishFailurePolicy() (evstore.PublishFailurePolicy, error) {
	switch strings.ToLower(c.PublishFailure) {
	case "", evstore.PublishFailurePropagate.String():
		return evstore.PublishFailurePropagate, nil
	case evstore.PublishFailureLog.String():
		return evstore.PublishFailureLog, nil
	default:
		return 0, fmt.Errorf("unknown publish failure policy %q", c.PublishFailure)
	}
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
