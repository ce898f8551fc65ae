// Package backend builds an evstore.EventStore from a config.Config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/codewandler/evstore-go/adapters/dynamodb"
	"github.com/codewandler/evstore-go/adapters/mongo"
	"github.com/codewandler/evstore-go/adapters/nats"
	"github.com/codewandler/evstore-go/adapters/postgres"
	"github.com/codewandler/evstore-go/adapters/rabbitmq"
	"github.com/codewandler/evstore-go/adapters/redis"
	"github.com/codewandler/evstore-go/adapters/sqldb"
	"github.com/codewandler/evstore-go/adapters/sqs"
	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/config"
)

type Options struct {
	Log     *slog.Logger
	Metrics evstore.Metrics
}

// Open connects the configured provider and publisher. Closing the
// returned store closes both.
func Open(ctx context.Context, cfg config.Config, opts Options) (*evstore.EventStore, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	policy, err := cfg.PublishFailurePolicy()
	if err != nil {
		return nil, err
	}

	b := &builder{cfg: cfg, log: log}

	provider, err := b.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Provider.Type, err)
	}

	publisher, err := b.publisher(ctx)
	if err != nil {
		closeQuietly(provider)
		return nil, fmt.Errorf("publisher %s: %w", cfg.Publisher.Type, err)
	}

	storeOpts := []evstore.Option{
		evstore.WithProvider(provider),
		evstore.WithLog(log),
		evstore.WithPublishFailurePolicy(policy),
	}
	if publisher != nil {
		storeOpts = append(storeOpts, evstore.WithPublisher(publisher))
	}
	if opts.Metrics != nil {
		storeOpts = append(storeOpts, evstore.WithMetrics(opts.Metrics))
	}

	log.Info(
		"event store ready",
		slog.String("provider", cfg.Provider.Type),
		slog.String("publisher", cfg.Publisher.Type),
		slog.String("publish_failure", policy.String()),
	)
	return evstore.NewEventStore(storeOpts...), nil
}

type builder struct {
	cfg config.Config
	log *slog.Logger

	// natsConns shares one connection per URL between provider and publisher
	natsConns map[string]nats.Connector
}

func (b *builder) natsConnector(url string) nats.Connector {
	if b.natsConns == nil {
		b.natsConns = map[string]nats.Connector{}
	}
	if c, ok := b.natsConns[url]; ok {
		return c
	}
	var c nats.Connector
	if url == "" {
		c = nats.ReuseConnection(nats.ConnectDefault())
	} else {
		c = nats.ReuseConnection(nats.ConnectURL(url))
	}
	b.natsConns[url] = c
	return c
}

func redisConnector(url string) redis.Connector {
	if url == "" {
		return redis.ConnectDefault()
	}
	return redis.ConnectURL(url)
}

func (b *builder) provider(ctx context.Context) (evstore.PersistenceProvider, error) {
	pc := b.cfg.Provider
	switch pc.Type {
	case config.ProviderMemory:
		return evstore.NewInMemoryProvider(evstore.WithLog(b.log)), nil

	case config.ProviderNATS:
		return nats.NewProvider(ctx, nats.ProviderConfig{
			Connect:       b.natsConnector(pc.NATS.URL),
			Log:           b.log,
			StreamName:    pc.NATS.StreamName,
			SubjectPrefix: pc.NATS.SubjectPrefix,
		})

	case config.ProviderPostgres:
		return postgres.NewProvider(ctx, postgres.ProviderConfig{
			DSN:         pc.Postgres.DSN,
			TablePrefix: pc.Postgres.TablePrefix,
			Log:         b.log,
		})

	case config.ProviderSQL:
		return sqldb.NewProvider(sqldb.ProviderConfig{
			Driver:      pc.SQL.Driver,
			DSN:         pc.SQL.DSN,
			TablePrefix: pc.SQL.TablePrefix,
			Log:         b.log,
		})

	case config.ProviderRedis:
		return redis.NewProvider(redis.ProviderConfig{
			Connect:   redisConnector(pc.Redis.URL),
			Log:       b.log,
			KeyPrefix: pc.Redis.Prefix,
		})

	case config.ProviderMongo:
		connect := mongo.ConnectDefault()
		if pc.Mongo.URI != "" {
			connect = mongo.ConnectURI(pc.Mongo.URI)
		}
		return mongo.NewProvider(ctx, mongo.ProviderConfig{
			Connect:          connect,
			Log:              b.log,
			Database:         pc.Mongo.Database,
			CollectionPrefix: pc.Mongo.CollectionPrefix,
		})

	case config.ProviderDynamoDB:
		return dynamodb.NewProvider(ctx, dynamodb.ProviderConfig{
			AWS:         pc.DynamoDB.AWS,
			Log:         b.log,
			Table:       pc.DynamoDB.Table,
			CreateTable: pc.DynamoDB.CreateTable,
		})

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", evstore.ErrConfiguration, pc.Type)
	}
}

// publisher returns nil for PublisherNone.
func (b *builder) publisher(ctx context.Context) (evstore.Publisher, error) {
	pc := b.cfg.Publisher
	switch pc.Type {
	case "", config.PublisherNone:
		return nil, nil

	case config.PublisherMemory:
		return evstore.NewInMemoryPublisher(evstore.WithLog(b.log)), nil

	case config.PublisherNATS:
		return nats.NewPublisher(nats.PublisherConfig{
			Connect:       b.natsConnector(pc.NATS.URL),
			Log:           b.log,
			SubjectPrefix: pc.NATS.SubjectPrefix,
		})

	case config.PublisherRedis:
		return redis.NewPublisher(redis.PublisherConfig{
			Connect:       redisConnector(pc.Redis.URL),
			Log:           b.log,
			ChannelPrefix: pc.Redis.Prefix,
		})

	case config.PublisherRabbitMQ:
		return rabbitmq.NewPublisher(rabbitmq.PublisherConfig{
			URL:            pc.RabbitMQ.URL,
			Log:            b.log,
			ExchangePrefix: pc.RabbitMQ.ExchangePrefix,
		})

	case config.PublisherSQS:
		return sqs.NewPublisher(ctx, sqs.PublisherConfig{
			AWS:         pc.SQS.AWS,
			Log:         b.log,
			QueueURL:    pc.SQS.QueueURL,
			QueueName:   pc.SQS.QueueName,
			CreateQueue: pc.SQS.CreateQueue,
		})

	default:
		return nil, fmt.Errorf("%w: unknown publisher %q", evstore.ErrConfiguration, pc.Type)
	}
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// IsConfiguration reports whether err stems from an invalid setup rather
// than an unreachable backend.
func IsConfiguration(err error) bool {
	return errors.Is(err, evstore.ErrConfiguration) || errors.Is(err, config.ErrInvalid)
}
