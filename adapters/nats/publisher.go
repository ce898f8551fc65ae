package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/evstore-go/core/evstore"
)

const defaultNotifyPrefix = "evstore.notify"

type PublisherConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for notifications, e.g. "evstore.notify" -> evstore.notify.<aggregation>
	BufferSize    int          // BufferSize of the per aggregation delivery queue
}

// Publisher fans messages out over core NATS, one subject per aggregation.
// The process subscribes to a subject only while it has listeners for the
// aggregation. Publish reports true once the server accepted the message;
// core NATS cannot tell whether anyone received it.
type Publisher struct {
	nc        *natsgo.Conn
	closeNc   closeFunc
	log       *slog.Logger
	prefix    string
	listeners *evstore.Listeners

	mu   sync.Mutex
	subs map[string]*natsgo.Subscription

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

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultNotifyPrefix
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("publisher", "nats")),
		prefix:  prefix,
		subs:    make(map[string]*natsgo.Subscription),
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

func (p *Publisher) subject(aggregation string) string {
	return p.prefix + "." + aggregation
}

func (p *Publisher) Publish(ctx context.Context, msg evstore.Message) (bool, error) {
	if p.closed.Load() {
		return false, evstore.ErrClosed
	}
	if !validToken(msg.Stream.Aggregation) {
		return false, fmt.Errorf("%w: aggregation %q is not a valid subject token", evstore.ErrInvalidStream, msg.Stream.Aggregation)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	data, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	if err := p.nc.Publish(p.subject(msg.Stream.Aggregation), data); err != nil {
		return false, fmt.Errorf("nats: publish: %w", err)
	}
	return true, nil
}

func (p *Publisher) Subscribe(ctx context.Context, aggregation string, subscriber evstore.Subscriber) (evstore.Subscription, error) {
	if p.closed.Load() {
		return nil, evstore.ErrClosed
	}
	if !validToken(aggregation) {
		return nil, fmt.Errorf("%w: aggregation %q is not a valid subject token", evstore.ErrInvalidStream, aggregation)
	}
	return p.listeners.Add(ctx, aggregation, subscriber)
}

func (p *Publisher) watch(ctx context.Context, aggregation string) error {
	sub, err := p.nc.Subscribe(p.subject(aggregation), func(m *natsgo.Msg) {
		msg, err := evstore.DecodeMessage(m.Data)
		if err != nil {
			p.log.Error("failed to decode message", slog.String("subject", m.Subject), slog.Any("error", err))
			return
		}
		p.listeners.Notify(msg)
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", aggregation, err)
	}

	// the server must know the interest before Subscribe returns
	if err := p.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats: flush: %w", err)
	}

	p.mu.Lock()
	p.subs[aggregation] = sub
	p.mu.Unlock()

	p.log.Debug("watching", slog.String("aggregation", aggregation))
	return nil
}

func (p *Publisher) unwatch(_ context.Context, aggregation string) error {
	p.mu.Lock()
	sub, ok := p.subs[aggregation]
	delete(p.subs, aggregation)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.log.Debug("unwatching", slog.String("aggregation", aggregation))
	return sub.Unsubscribe()
}

func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.listeners.Close(context.Background())
	// the connection may be shared; release this publisher's lease only
	if p.nc != nil {
		p.closeNc()
	}
	return err
}
