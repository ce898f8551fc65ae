package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/evstore-go/core/evstore"
)

const defaultChannelPrefix = "evstore:notify"

type PublisherConfig struct {
	Connect       Connector    // If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	ChannelPrefix string       // ChannelPrefix, e.g. "evstore:notify" -> evstore:notify:<aggregation>
	BufferSize    int          // BufferSize of the per aggregation delivery queue
}

// Publisher fans messages out over Redis pub/sub, one channel per
// aggregation. Each watched aggregation holds its own PubSub connection.
// Publish reports whether any Redis client was subscribed to the channel.
type Publisher struct {
	client    *goredis.Client
	release   closeFunc
	log       *slog.Logger
	prefix    string
	listeners *evstore.Listeners

	mu   sync.Mutex
	subs map[string]*goredis.PubSub
	wg   sync.WaitGroup

	closed atomic.Bool
}

var _ evstore.SubscribablePublisher = (*Publisher)(nil)

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}

	client, release, err := connFn()
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		client:  client,
		release: release,
		log:     log.With(slog.String("publisher", "redis")),
		prefix:  prefix,
		subs:    make(map[string]*goredis.PubSub),
	}
	p.listeners = evstore.NewListeners(evstore.ListenersConfig{
		Log:        p.log,
		OnWatch:    p.watch,
		OnUnwatch:  p.unwatch,
		Async:      true,
		BufferSize: cfg.BufferSize,
	})
	return p, nil
}

func (p *Publisher) channel(aggregation string) string {
	return p.prefix + ":" + aggregation
}

func (p *Publisher) Publish(ctx context.Context, msg evstore.Message) (bool, error) {
	if p.closed.Load() {
		return false, evstore.ErrClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	n, err := p.client.Publish(ctx, p.channel(msg.Stream.Aggregation), data).Result()
	if err != nil {
		return false, fmt.Errorf("redis: publish: %w", err)
	}
	return n > 0, nil
}

func (p *Publisher) Subscribe(ctx context.Context, aggregation string, subscriber evstore.Subscriber) (evstore.Subscription, error) {
	if p.closed.Load() {
		return nil, evstore.ErrClosed
	}
	return p.listeners.Add(ctx, aggregation, subscriber)
}

func (p *Publisher) watch(ctx context.Context, aggregation string) error {
	ps := p.client.Subscribe(ctx, p.channel(aggregation))

	// wait for the subscribe confirmation so no publish after Subscribe
	// returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis: subscribe %s: %w", aggregation, err)
	}

	p.mu.Lock()
	p.subs[aggregation] = ps
	p.mu.Unlock()

	p.wg.Add(1)
	go p.receive(aggregation, ps)

	p.log.Debug("watching", slog.String("aggregation", aggregation))
	return nil
}

func (p *Publisher) receive(aggregation string, ps *goredis.PubSub) {
	defer p.wg.Done()
	for m := range ps.Channel() {
		msg, err := evstore.DecodeMessage([]byte(m.Payload))
		if err != nil {
			p.log.Error("failed to decode message", slog.String("channel", m.Channel), slog.Any("error", err))
			continue
		}
		if msg.Stream.Aggregation != aggregation {
			continue
		}
		p.listeners.Notify(msg)
	}
}

func (p *Publisher) unwatch(_ context.Context, aggregation string) error {
	p.mu.Lock()
	ps, ok := p.subs[aggregation]
	delete(p.subs, aggregation)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.log.Debug("unwatching", slog.String("aggregation", aggregation))
	return ps.Close()
}

func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.listeners.Close(context.Background())
	p.wg.Wait()
	p.release()
	return err
}
