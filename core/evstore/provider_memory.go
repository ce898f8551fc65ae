package evstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/evstore-go/core/ds"
)

// InMemoryProvider keeps everything in process memory. State belongs to the
// instance; two providers never share data.
type InMemoryProvider struct {
	mu           sync.RWMutex
	log          *slog.Logger
	now          func() time.Time
	aggregations *ds.StringSet
	streams      map[string]*ds.StringSet
	events       map[Stream][]Event
}

var _ PersistenceProvider = (*InMemoryProvider)(nil)

func NewInMemoryProvider(opts ...MemoryProviderOption) *InMemoryProvider {
	p := &InMemoryProvider{
		log:          slog.Default().With(slog.String("provider", "memory")),
		now:          time.Now,
		aggregations: ds.NewStringSet(),
		streams:      map[string]*ds.StringSet{},
		events:       map[Stream][]Event{},
	}
	for _, opt := range opts {
		opt.applyToMemoryProvider(p)
	}
	return p
}

func (p *InMemoryProvider) AddEvent(ctx context.Context, stream Stream, payload json.RawMessage) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, NewPersistenceError(OpAddEvent, stream, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	events := p.events[stream]
	ev := Event{
		Payload:         clonePayload(payload),
		CommitTimestamp: p.now().UnixMilli(),
		Sequence:        uint64(len(events)),
	}
	p.events[stream] = append(events, ev)

	if p.aggregations.Add(stream.Aggregation) {
		p.streams[stream.Aggregation] = ds.NewStringSet()
	}
	p.streams[stream.Aggregation].Add(stream.ID)

	p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))

	return ev.Clone(), nil
}

func (p *InMemoryProvider) GetEvents(ctx context.Context, stream Stream, page Page) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError(OpGetEvents, stream, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := Paginate(p.events[stream], page)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out, nil
}

func (p *InMemoryProvider) GetAggregations(ctx context.Context, page Page) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError(OpGetAggregations, Stream{}, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return Paginate(p.aggregations.Sorted(), page), nil
}

func (p *InMemoryProvider) GetStreams(ctx context.Context, aggregation string, page Page) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError(OpGetStreams, Stream{Aggregation: aggregation}, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ids, ok := p.streams[aggregation]
	if !ok {
		return []string{}, nil
	}
	return Paginate(ids.Sorted(), page), nil
}
