package evstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/perkey"
)

// WatchFunc is called when an aggregation gains its first listener
// (OnWatch) or loses its last one (OnUnwatch).
type WatchFunc func(ctx context.Context, aggregation string) error

type ListenersConfig struct {
	Log       *slog.Logger
	OnWatch   WatchFunc
	OnUnwatch WatchFunc
	// Async hands deliveries to a per-aggregation ordered worker instead of
	// running subscribers on the notifying goroutine.
	Async bool
	// BufferSize is the per-aggregation queue length in async mode.
	BufferSize int
}

// Listeners is the subscriber registry publishers build on. It keeps the
// watched/unwatched state per aggregation and fans messages out to the
// registered subscribers.
//
// OnWatch and OnUnwatch of one aggregation never overlap. They run without
// holding the registry lock, so a slow broker round trip for one
// aggregation does not block delivery or subscription changes of others.
type Listeners struct {
	mu        sync.Mutex
	log       *slog.Logger
	onWatch   WatchFunc
	onUnwatch WatchFunc
	sched     *perkey.Scheduler[string]
	byAgg     map[string][]listener // watched aggregations only
	hooks     map[string]*hookLock
	closed    bool
}

type listener struct {
	id string
	fn Subscriber
}

// hookLock serializes the watch state changes of one aggregation.
type hookLock struct {
	sync.Mutex
	refs int // guarded by Listeners.mu
}

func NewListeners(cfg ListenersConfig) *Listeners {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	l := &Listeners{
		log:       log,
		onWatch:   cfg.OnWatch,
		onUnwatch: cfg.OnUnwatch,
		byAgg:     map[string][]listener{},
		hooks:     map[string]*hookLock{},
	}
	if cfg.Async {
		var opts []perkey.Option
		if cfg.BufferSize > 0 {
			opts = append(opts, perkey.WithBufferSize(cfg.BufferSize))
		}
		l.sched = perkey.New[string](opts...)
	}
	return l
}

// lockAggregation blocks until no other watch state change of aggregation
// is in progress.
func (l *Listeners) lockAggregation(aggregation string) (unlock func()) {
	l.mu.Lock()
	h, ok := l.hooks[aggregation]
	if !ok {
		h = &hookLock{}
		l.hooks[aggregation] = h
	}
	h.refs++
	l.mu.Unlock()

	h.Lock()
	return func() {
		h.Unlock()
		l.mu.Lock()
		if h.refs--; h.refs == 0 {
			delete(l.hooks, aggregation)
		}
		l.mu.Unlock()
	}
}

// Add registers fn for aggregation. If the aggregation was unwatched,
// OnWatch runs first and its error aborts the registration.
func (l *Listeners) Add(ctx context.Context, aggregation string, fn Subscriber) (Subscription, error) {
	if fn == nil {
		return nil, ErrNilSubscriber
	}

	unlock := l.lockAggregation(aggregation)
	defer unlock()

	l.mu.Lock()
	closed := l.closed
	_, watched := l.byAgg[aggregation]
	l.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !watched && l.onWatch != nil {
		if err := l.onWatch(ctx, aggregation); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		// Close did not see this aggregation as watched
		if !watched && l.onUnwatch != nil {
			if err := l.onUnwatch(ctx, aggregation); err != nil {
				l.log.Error("unwatch after close failed", slog.String("aggregation", aggregation), slog.Any("error", err))
			}
		}
		return nil, ErrClosed
	}
	id := gonanoid.Must()
	l.byAgg[aggregation] = append(l.byAgg[aggregation], listener{id: id, fn: fn})
	l.mu.Unlock()

	l.log.Debug(
		"listener added",
		slog.String("aggregation", aggregation),
		slog.String("listener", id),
		slog.Bool("watch", !watched),
	)

	return &listenerSubscription{l: l, aggregation: aggregation, id: id}, nil
}

func (l *Listeners) remove(ctx context.Context, aggregation, id string) error {
	unlock := l.lockAggregation(aggregation)
	defer unlock()

	l.mu.Lock()
	subs := l.byAgg[aggregation]
	idx := slices.IndexFunc(subs, func(s listener) bool { return s.id == id })
	if idx < 0 {
		l.mu.Unlock()
		return nil
	}
	subs = slices.Delete(subs, idx, idx+1)
	last := len(subs) == 0
	if last {
		l.forgetLocked(aggregation)
	} else {
		l.byAgg[aggregation] = subs
	}
	l.mu.Unlock()

	l.log.Debug(
		"listener removed",
		slog.String("aggregation", aggregation),
		slog.String("listener", id),
		slog.Bool("unwatch", last),
	)

	if last && l.onUnwatch != nil {
		return l.onUnwatch(ctx, aggregation)
	}
	return nil
}

// unwatch drops every listener of aggregation and runs OnUnwatch if it
// was watched.
func (l *Listeners) unwatch(ctx context.Context, aggregation string) error {
	unlock := l.lockAggregation(aggregation)
	defer unlock()

	l.mu.Lock()
	_, watched := l.byAgg[aggregation]
	if watched {
		l.forgetLocked(aggregation)
	}
	l.mu.Unlock()

	if watched && l.onUnwatch != nil {
		return l.onUnwatch(ctx, aggregation)
	}
	return nil
}

func (l *Listeners) forgetLocked(aggregation string) {
	delete(l.byAgg, aggregation)
	if l.sched != nil {
		l.sched.Forget(aggregation)
	}
}

// Notify delivers msg to the listeners of its aggregation and returns how
// many there were at the time of the call.
func (l *Listeners) Notify(msg Message) int {
	aggregation := msg.Stream.Aggregation

	l.mu.Lock()
	subs := slices.Clone(l.byAgg[aggregation])
	sched := l.sched
	l.mu.Unlock()

	if len(subs) == 0 {
		return 0
	}

	deliver := func() {
		for _, s := range subs {
			l.invoke(s, msg)
		}
	}

	if sched == nil {
		deliver()
		return len(subs)
	}

	if err := sched.Go(aggregation, deliver); err != nil {
		l.log.Debug("message dropped", msg.Stream.SlogAttr(), slog.Any("error", err))
		return 0
	}
	return len(subs)
}

func (l *Listeners) invoke(s listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error(
				"subscriber panicked",
				msg.Stream.SlogAttr(),
				slog.Uint64("sequence", msg.Event.Sequence),
				slog.String("listener", s.id),
				slog.Any("panic", r),
			)
		}
	}()
	s.fn(msg)
}

// Close drops every listener, running OnUnwatch for each watched
// aggregation, and stops async delivery. It waits for watch state changes
// in progress. Later Add calls fail with ErrClosed.
func (l *Listeners) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	aggregations := make([]string, 0, len(l.byAgg)+len(l.hooks))
	for agg := range l.byAgg {
		aggregations = append(aggregations, agg)
	}
	for agg := range l.hooks {
		if _, ok := l.byAgg[agg]; !ok {
			aggregations = append(aggregations, agg)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, agg := range aggregations {
		if err := l.unwatch(ctx, agg); err != nil {
			errs = append(errs, err)
		}
	}
	if l.sched != nil {
		l.sched.Close()
	}
	return errors.Join(errs...)
}

type listenerSubscription struct {
	l           *Listeners
	aggregation string
	id          string
}

func (s *listenerSubscription) Remove(ctx context.Context) error {
	return s.l.remove(ctx, s.aggregation, s.id)
}
