// Package mongo implements evstore.PersistenceProvider on MongoDB.
//
// Events live in one collection with a unique index on
// (aggregation, stream_id, seq). An append reads the stream's last
// sequence and inserts the next one; a concurrent writer that took the
// same sequence loses on the unique index and retries. A second
// collection indexes the streams of each aggregation.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codewandler/evstore-go/core/cache"
	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/sf"
)

const (
	defaultDatabase   = "evstore"
	defaultCollPrefix = "evstore"
	defaultMaxRetries = 64
)

type ProviderConfig struct {
	Connect          Connector    // If nil, ConnectDefault() is used.
	Log              *slog.Logger // Log for diagnostics (optional)
	Database         string       // Database name (default "evstore")
	CollectionPrefix string       // CollectionPrefix names <prefix>_events and <prefix>_streams (default "evstore")
	MaxRetries       int          // MaxRetries of an append losing a sequence race (default 64)
	// IndexCacheSize bounds the set of streams known to be indexed.
	// Negative disables the cache.
	IndexCacheSize int
}

type Provider struct {
	client     *mongo.Client
	release    closeFunc
	log        *slog.Logger
	events     *mongo.Collection
	streams    *mongo.Collection
	maxRetries int
	indexes    sf.Gate
	indexed    cache.Cache
	now        func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

type eventDoc struct {
	Aggregation     string `bson:"aggregation"`
	StreamID        string `bson:"stream_id"`
	Seq             int64  `bson:"seq"`
	Payload         string `bson:"payload"`
	CommitTimestamp int64  `bson:"commit_timestamp"`
}

type streamDoc struct {
	Aggregation string `bson:"aggregation"`
	StreamID    string `bson:"stream_id"`
}

func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	database := cfg.Database
	if database == "" {
		database = defaultDatabase
	}
	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = defaultCollPrefix
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	client, release, err := connFn(ctx)
	if err != nil {
		return nil, err
	}

	db := client.Database(database)
	return &Provider{
		client:     client,
		release:    release,
		log:        log.With(slog.String("provider", "mongo")),
		events:     db.Collection(prefix + "_events"),
		streams:    db.Collection(prefix + "_streams"),
		maxRetries: maxRetries,
		indexed:    cache.New(cfg.IndexCacheSize),
		now:        time.Now,
	}, nil
}

// EnsureIndexes creates the unique indexes once per provider.
func (p *Provider) EnsureIndexes(ctx context.Context) error {
	return p.indexes.Do(func() error {
		_, err := p.events.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "aggregation", Value: 1}, {Key: "stream_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("create events index: %w", err)
		}
		_, err = p.streams.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "aggregation", Value: 1}, {Key: "stream_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("create streams index: %w", err)
		}
		p.log.Debug("indexes ensured")
		return nil
	})
}

func (p *Provider) AddEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	if err := p.EnsureIndexes(ctx); err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}
	if err := p.index(ctx, stream); err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		ev, err := p.tryAppend(ctx, stream, payload)
		if err == nil {
			p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))
			return ev, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
		}
		p.log.Debug("sequence taken, retrying", stream.SlogAttr(), slog.Int("attempt", attempt))
	}
	return evstore.Event{}, evstore.NewPersistenceError(
		evstore.OpAddEvent, stream,
		fmt.Errorf("gave up after %d conflicting appends", p.maxRetries),
	)
}

// index registers the stream before its first event is written, so
// discovery never misses a stream that has events.
func (p *Provider) index(ctx context.Context, stream evstore.Stream) error {
	if _, ok := p.indexed.Get(stream.Key()); ok {
		return nil
	}
	doc := streamDoc{Aggregation: stream.Aggregation, StreamID: stream.ID}
	_, err := p.streams.UpdateOne(ctx, doc, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("index stream: %w", err)
	}
	p.indexed.Put(stream.Key(), struct{}{})
	return nil
}

func (p *Provider) tryAppend(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	next, err := p.nextSequence(ctx, stream)
	if err != nil {
		return evstore.Event{}, err
	}

	doc := eventDoc{
		Aggregation:     stream.Aggregation,
		StreamID:        stream.ID,
		Seq:             next,
		Payload:         string(payload),
		CommitTimestamp: p.now().UnixMilli(),
	}
	if _, err := p.events.InsertOne(ctx, doc); err != nil {
		return evstore.Event{}, err
	}

	return evstore.Event{
		Payload:         json.RawMessage(doc.Payload),
		CommitTimestamp: doc.CommitTimestamp,
		Sequence:        uint64(next),
	}, nil
}

func (p *Provider) nextSequence(ctx context.Context, stream evstore.Stream) (int64, error) {
	var last eventDoc
	err := p.events.FindOne(
		ctx,
		bson.M{"aggregation": stream.Aggregation, "stream_id": stream.ID},
		options.FindOne().
			SetSort(bson.D{{Key: "seq", Value: -1}}).
			SetProjection(bson.M{"seq": 1}),
	).Decode(&last)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read last sequence: %w", err)
	default:
		return last.Seq + 1, nil
	}
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) ([]evstore.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if page.Bounded() {
		opts.SetLimit(clampInt64(page.Limit))
	}

	// sequences are contiguous, so the offset is a sequence bound
	cur, err := p.events.Find(ctx, bson.M{
		"aggregation": stream.Aggregation,
		"stream_id":   stream.ID,
		"seq":         bson.M{"$gte": clampInt64(page.Offset)},
	}, opts)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	events := make([]evstore.Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, evstore.Event{
			Payload:         json.RawMessage(d.Payload),
			CommitTimestamp: d.CommitTimestamp,
			Sequence:        uint64(d.Seq),
		})
	}
	return events, nil
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	values, err := p.streams.Distinct(ctx, "aggregation", bson.M{})
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	// Distinct does not promise an order
	slices.Sort(out)
	return evstore.Paginate(out, page), nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "stream_id", Value: 1}}).
		SetProjection(bson.M{"stream_id": 1})
	if page.Offset > 0 {
		opts.SetSkip(clampInt64(page.Offset))
	}
	if page.Bounded() {
		opts.SetLimit(clampInt64(page.Limit))
	}

	cur, err := p.streams.Find(ctx, bson.M{"aggregation": aggregation}, opts)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}

	var docs []streamDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}

	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.StreamID)
	}
	return out, nil
}

func (p *Provider) Close() error {
	p.release()
	return nil
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
