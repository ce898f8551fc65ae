// Package postgres implements evstore.PersistenceProvider on PostgreSQL
// through pgx, with queries built by goqu.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/sf"
)

const (
	dialectPostgres    = "postgres"
	defaultTablePrefix = "evstore"
)

type ProviderConfig struct {
	// Pool to use. If nil, a pool is opened from DSN and closed by Close.
	Pool *pgxpool.Pool
	// DSN is used when Pool is nil; it falls back to $DATABASE_URL.
	DSN string
	// TablePrefix names the tables <prefix>_streams and <prefix>_events (default "evstore").
	TablePrefix string
	Log         *slog.Logger
}

// Provider keeps one counter row per stream next to the event rows. An
// append increments the counter and inserts the event in one transaction;
// the counter row lock serializes writers of the same stream.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
	log      *slog.Logger
	tables   tables
	builder  goqu.DialectWrapper
	schema   sf.Gate
	now      func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	t, err := newTables(prefix)
	if err != nil {
		return nil, err
	}

	pool, owns := cfg.Pool, false
	if pool == nil {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return nil, fmt.Errorf("%w: postgres needs a pool or a DSN", evstore.ErrConfiguration)
		}
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open pool: %w", err)
		}
		owns = true
	}

	return &Provider{
		pool:     pool,
		ownsPool: owns,
		log:      log.With(slog.String("provider", "postgres"), slog.String("tablePrefix", prefix)),
		tables:   t,
		builder:  goqu.Dialect(dialectPostgres),
		now:      time.Now,
	}, nil
}

func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// EnsureSchema creates the tables if they do not exist. Every operation
// calls it; only the first successful call reaches the database.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	return p.schema.Do(func() error {
		for _, stmt := range p.tables.ddl() {
			if _, err := p.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
		}
		p.log.Debug("schema ensured")
		return nil
	})
}

func (p *Provider) AddEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	ev, err := p.addEvent(ctx, stream, payload)
	if err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))
	return ev, nil
}

func (p *Provider) addEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (ev evstore.Event, err error) {
	counterSQL, counterArgs, err := p.builder.
		Insert(p.tables.streams).
		Rows(goqu.Record{
			colAggregation:  stream.Aggregation,
			colStreamID:     stream.ID,
			colNextSequence: 1,
		}).
		OnConflict(goqu.DoUpdate(
			colAggregation+", "+colStreamID,
			goqu.Record{colNextSequence: goqu.L("? + 1", goqu.I(p.tables.streams+"."+colNextSequence))},
		)).
		Returning(goqu.L("? - 1", goqu.I(colNextSequence))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return ev, fmt.Errorf("build counter query: %w", err)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ev, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var seq int64
	if err = tx.QueryRow(ctx, counterSQL, counterArgs...).Scan(&seq); err != nil {
		return ev, fmt.Errorf("next sequence: %w", err)
	}

	ev = evstore.Event{
		Payload:         payload,
		CommitTimestamp: p.now().UnixMilli(),
		Sequence:        uint64(seq),
	}

	insertSQL, insertArgs, err := p.builder.
		Insert(p.tables.events).
		Rows(goqu.Record{
			colAggregation:     stream.Aggregation,
			colStreamID:        stream.ID,
			colSequence:        seq,
			colPayload:         string(payload),
			colCommitTimestamp: ev.CommitTimestamp,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return ev, fmt.Errorf("build insert query: %w", err)
	}

	if _, err = tx.Exec(ctx, insertSQL, insertArgs...); err != nil {
		return ev, fmt.Errorf("insert event: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return ev, fmt.Errorf("commit: %w", err)
	}
	return ev.Clone(), nil
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) ([]evstore.Event, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	// sequences are contiguous, so the offset is a sequence bound
	ds := p.builder.
		From(p.tables.events).
		Select(colSequence, colPayload, colCommitTimestamp).
		Where(goqu.Ex{
			colAggregation: stream.Aggregation,
			colStreamID:    stream.ID,
			colSequence:    goqu.Op{"gte": clampInt64(page.Offset)},
		}).
		Order(goqu.I(colSequence).Asc())
	if page.Bounded() {
		ds = ds.Limit(uint(clampInt64(page.Limit)))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}
	defer rows.Close()

	events := make([]evstore.Event, 0)
	for rows.Next() {
		var (
			seq     int64
			payload string
			ts      int64
		)
		if err := rows.Scan(&seq, &payload, &ts); err != nil {
			return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
		}
		events = append(events, evstore.Event{
			Payload:         json.RawMessage(payload),
			CommitTimestamp: ts,
			Sequence:        uint64(seq),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}
	return events, nil
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}

	ds := p.builder.
		From(p.tables.streams).
		Select(colAggregation).
		Distinct().
		Order(goqu.I(colAggregation).Asc())

	out, err := p.queryNames(ctx, paginate(ds, page))
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}
	return out, nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}

	ds := p.builder.
		From(p.tables.streams).
		Select(colStreamID).
		Where(goqu.Ex{colAggregation: aggregation}).
		Order(goqu.I(colStreamID).Asc())

	out, err := p.queryNames(ctx, paginate(ds, page))
	if err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}
	return out, nil
}

func (p *Provider) queryNames(ctx context.Context, ds *goqu.SelectDataset) ([]string, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func paginate(ds *goqu.SelectDataset, page evstore.Page) *goqu.SelectDataset {
	if page.Offset > 0 {
		ds = ds.Offset(uint(clampInt64(page.Offset)))
	}
	if page.Bounded() {
		ds = ds.Limit(uint(clampInt64(page.Limit)))
	}
	return ds
}

// clampInt64 caps v at the largest BIGINT.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
