// Package redis implements evstore.PersistenceProvider and
// evstore.SubscribablePublisher on Redis.
//
// Each stream is a list; an event's sequence is its list index, so RPUSH
// assigns sequences atomically. Aggregations and streams are indexed in
// sorted sets with a constant score, which Redis orders bytewise.
//
//	<prefix>:events:<n>:<aggregation>:<id>  LIST of stored events, n = len(aggregation)
//	<prefix>:aggregations                    ZSET of aggregation names
//	<prefix>:streams:<aggregation>           ZSET of stream ids
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/evstore-go/core/cache"
	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/codec"
)

const defaultKeyPrefix = "evstore"

type ProviderConfig struct {
	Connect   Connector    // If nil, ConnectDefault() is used.
	Log       *slog.Logger // Log for diagnostics (optional)
	KeyPrefix string       // KeyPrefix of all keys (default "evstore")
	// IndexCacheSize bounds the set of streams known to be indexed.
	// Negative disables the cache and every append rewrites the index.
	IndexCacheSize int
}

type Provider struct {
	client  *goredis.Client
	release closeFunc
	log     *slog.Logger
	prefix  string
	indexed cache.Cache
	now     func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

// storedEvent is a list element. The sequence is the element's index.
type storedEvent struct {
	Payload         json.RawMessage `json:"p"`
	CommitTimestamp int64           `json:"t"`
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client, release, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:  client,
		release: release,
		log:     log.With(slog.String("provider", "redis")),
		prefix:  prefix,
		indexed: cache.New(cfg.IndexCacheSize),
		now:     time.Now,
	}, nil
}

func (p *Provider) eventsKey(stream evstore.Stream) string {
	return p.prefix + ":events:" + stream.Key()
}

func (p *Provider) aggregationsKey() string {
	return p.prefix + ":aggregations"
}

func (p *Provider) streamsKey(aggregation string) string {
	return p.prefix + ":streams:" + aggregation
}

func (p *Provider) AddEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	ts := p.now().UnixMilli()
	data, err := codec.Marshal(storedEvent{Payload: payload, CommitTimestamp: ts})
	if err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	_, indexed := p.indexed.Get(stream.Key())

	var push *goredis.IntCmd
	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		push = pipe.RPush(ctx, p.eventsKey(stream), data)
		if !indexed {
			pipe.ZAdd(ctx, p.aggregationsKey(), goredis.Z{Member: stream.Aggregation})
			pipe.ZAdd(ctx, p.streamsKey(stream.Aggregation), goredis.Z{Member: stream.ID})
		}
		return nil
	})
	if err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}
	if !indexed {
		p.indexed.Put(stream.Key(), struct{}{})
	}

	ev := evstore.Event{
		Payload:         append(json.RawMessage(nil), payload...),
		CommitTimestamp: ts,
		Sequence:        uint64(push.Val() - 1),
	}
	p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))
	return ev, nil
}

// rangeBounds converts page into LRANGE start/stop. ok is false when the
// page starts beyond what a list can hold.
func rangeBounds(page evstore.Page) (start, stop int64, ok bool) {
	if page.Offset > math.MaxInt64 {
		return 0, 0, false
	}
	start, stop = int64(page.Offset), -1
	if page.Bounded() && page.Limit <= uint64(math.MaxInt64-start) {
		stop = start + int64(page.Limit) - 1
	}
	return start, stop, true
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) ([]evstore.Event, error) {
	events := make([]evstore.Event, 0)

	start, stop, ok := rangeBounds(page)
	if !ok {
		return events, nil
	}

	items, err := p.client.LRange(ctx, p.eventsKey(stream), start, stop).Result()
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	for i, item := range items {
		var se storedEvent
		if err := codec.Unmarshal([]byte(item), &se); err != nil {
			return nil, evstore.NewPersistenceError(
				evstore.OpGetEvents, stream,
				fmt.Errorf("decode event %d: %w", start+int64(i), err),
			)
		}
		events = append(events, evstore.Event{
			Payload:         se.Payload,
			CommitTimestamp: se.CommitTimestamp,
			Sequence:        uint64(start) + uint64(i),
		})
	}
	return events, nil
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	out, err := p.rangeByLex(ctx, p.aggregationsKey(), page)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}
	return out, nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	out, err := p.rangeByLex(ctx, p.streamsKey(aggregation), page)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}
	return out, nil
}

func (p *Provider) rangeByLex(ctx context.Context, key string, page evstore.Page) ([]string, error) {
	if page.Offset > math.MaxInt64 {
		return []string{}, nil
	}
	args := goredis.ZRangeArgs{
		Key:   key,
		Start: "-",
		Stop:  "+",
		ByLex: true,
	}
	if page.Offset > 0 || page.Bounded() {
		args.Offset = int64(page.Offset)
		args.Count = -1
		if page.Bounded() && page.Limit <= math.MaxInt64 {
			args.Count = int64(page.Limit)
		}
	}
	out, err := p.client.ZRangeArgs(ctx, args).Result()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (p *Provider) Close() error {
	p.release()
	return nil
}
