package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/codec"
)

const (
	defaultStreamName    = "EVSTORE"
	defaultSubjectPrefix = "evstore.events"
	defaultMaxRetries    = 32
	fetchBatch           = 256

	headerAggregation = "Evstore-Aggregation"
	headerStreamID    = "Evstore-Stream"
	headerSequence    = "Evstore-Sequence"
)

type ProviderConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // StreamName of the JetStream stream (default EVSTORE)
	SubjectPrefix string       // SubjectPrefix events are stored under, as <prefix>.<aggregation>.<id>

	// Storage of the stream (default: file storage).
	Storage jetstream.StorageType
	// Replicas of the stream (default: 1).
	Replicas int
	// MaxAge limits how long events are kept. Zero keeps them forever.
	MaxAge time.Duration
	// MaxRetries bounds the append attempts when concurrent writers race
	// for the same stream (default 32).
	MaxRetries int
}

// Provider stores every stream as one subject of a JetStream stream. The
// per-subject expected sequence check makes appends atomic per stream, and
// the subject state of the stream doubles as the discovery index.
type Provider struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	maxRetries    int
	now           func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log = log.With(
		slog.String("provider", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   cfg.Storage,
		Replicas:  replicas,
		MaxAge:    cfg.MaxAge,
		FirstSeq:  1,
	})
	if err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	log.Debug("ensured", slog.Any("stream", streamInfo.Config.Name), slog.Uint64("msgs", streamInfo.State.Msgs))

	return &Provider{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		maxRetries:    maxRetries,
		now:           time.Now,
	}, nil
}

func (p *Provider) Close() error {
	p.js.CleanupPublisher()
	p.closeNc()
	p.log.Debug("closed provider")
	return nil
}

func (p *Provider) AddEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	if err := checkStream(stream); err != nil {
		return evstore.Event{}, err
	}

	subject := p.subjectFor(stream)

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		ev, err := p.tryAppend(ctx, stream, subject, payload)
		if err == nil {
			p.log.Debug(
				"event added",
				stream.SlogAttr(),
				slog.Uint64("sequence", ev.Sequence),
				slog.Int("attempt", attempt),
			)
			return ev, nil
		}
		if !isWrongLastSequence(err) {
			return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
		}
		if err := ctx.Err(); err != nil {
			return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
		}
	}

	return evstore.Event{}, evstore.NewPersistenceError(
		evstore.OpAddEvent,
		stream,
		fmt.Errorf("gave up after %d conflicting appends", p.maxRetries),
	)
}

// tryAppend publishes the next event, expecting the subject to still end
// at the message it just read.
func (p *Provider) tryAppend(ctx context.Context, stream evstore.Stream, subject string, payload json.RawMessage) (evstore.Event, error) {
	var (
		nextSeq     uint64
		expectedSeq uint64
	)

	last, err := p.lastEvent(ctx, subject)
	if err != nil {
		return evstore.Event{}, err
	}
	if last != nil {
		nextSeq = last.event.Sequence + 1
		expectedSeq = last.streamSeq
	}

	ev := evstore.Event{
		Payload:         payload,
		CommitTimestamp: p.now().UnixMilli(),
		Sequence:        nextSeq,
	}

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerAggregation, stream.Aggregation)
	msg.Header.Set(headerStreamID, stream.ID)
	msg.Header.Set(headerSequence, strconv.FormatUint(nextSeq, 10))
	msg.Data, err = codec.Marshal(ev)
	if err != nil {
		return evstore.Event{}, err
	}

	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequencePerSubject(expectedSeq)); err != nil {
		return evstore.Event{}, err
	}
	return ev.Clone(), nil
}

type storedEvent struct {
	event     evstore.Event
	streamSeq uint64
}

func (p *Provider) lastEvent(ctx context.Context, subject string) (*storedEvent, error) {
	raw, err := p.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message for subject %q: %w", subject, err)
	}

	var ev evstore.Event
	if err := codec.Unmarshal(raw.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode last message for subject %q: %w", subject, err)
	}
	return &storedEvent{event: ev, streamSeq: raw.Sequence}, nil
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) (events []evstore.Event, err error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}

	subject := p.subjectFor(stream)
	startAt := time.Now()

	defer func() {
		if err == nil {
			p.log.Debug(
				"loaded events",
				stream.SlogAttr(),
				slog.Int("count", len(events)),
				slog.Duration("duration", time.Since(startAt)),
			)
		}
	}()

	last, err := p.lastEvent(ctx, subject)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}
	if last == nil || page.Offset > last.event.Sequence {
		return []evstore.Event{}, nil
	}

	cc, err := p.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	events, err = p.consumeEvents(ctx, cc, last.streamSeq, page)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}
	return events, nil
}

// consumeEvents reads the subject up to endSeq and applies page on the way.
func (p *Provider) consumeEvents(ctx context.Context, cc jetstream.Consumer, endSeq uint64, page evstore.Page) ([]evstore.Event, error) {
	events := make([]evstore.Event, 0)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false

			md, err := msg.Metadata()
			if err != nil {
				return nil, err
			}

			var ev evstore.Event
			if err := codec.Unmarshal(msg.Data(), &ev); err != nil {
				return nil, fmt.Errorf("decode message %d: %w", md.Sequence.Stream, err)
			}

			if ev.Sequence >= page.Offset {
				events = append(events, ev)
			}

			if md.Sequence.Stream >= endSeq || (page.Bounded() && uint64(len(events)) >= page.Limit) {
				return events, nil
			}
		}
		if err := mb.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return nil, err
		}
		if empty {
			return events, nil
		}
	}
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	streams, err := p.subjects(ctx, p.subjectPrefix+".>")
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}

	aggs := make([]string, 0, len(streams))
	for _, s := range streams {
		aggs = append(aggs, s.Aggregation)
	}
	slices.Sort(aggs)
	return evstore.Paginate(slices.Compact(aggs), page), nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	if !validToken(aggregation) {
		return []string{}, nil
	}

	streams, err := p.subjects(ctx, p.subjectPrefix+"."+aggregation+".*")
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}

	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		ids = append(ids, s.ID)
	}
	slices.Sort(ids)
	return evstore.Paginate(ids, page), nil
}

// subjects lists the streams whose subject matches filter.
func (p *Provider) subjects(ctx context.Context, filter string) ([]evstore.Stream, error) {
	info, err := p.stream.Info(ctx, jetstream.WithSubjectFilter(filter))
	if err != nil {
		return nil, err
	}

	out := make([]evstore.Stream, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		if s, ok := splitSubject(p.subjectPrefix, subject); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *Provider) subjectFor(stream evstore.Stream) string {
	return p.subjectPrefix + "." + stream.Aggregation + "." + stream.ID
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}
