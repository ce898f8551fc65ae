// Package sqldb implements evstore.PersistenceProvider on database/sql
// through sqlx. SQLite, MySQL and PostgreSQL are supported.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/sf"
)

const (
	defaultTablePrefix = "evstore"
	maxAttempts        = 5
)

var validPrefix = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type ProviderConfig struct {
	// DB to use. If nil, Driver and DSN are opened and closed by Close.
	DB     *sqlx.DB
	Driver string // one of the Driver* constants
	DSN    string
	// TablePrefix names the tables <prefix>_streams and <prefix>_events (default "evstore").
	TablePrefix string
	Log         *slog.Logger
}

type Provider struct {
	db      *sqlx.DB
	ownsDB  bool
	dialect dialect
	tables  tables
	log     *slog.Logger
	schema  sf.Gate
	now     func() time.Time
}

var _ evstore.PersistenceProvider = (*Provider)(nil)

type eventRow struct {
	Seq             int64  `db:"seq"`
	Payload         string `db:"payload"`
	CommitTimestamp int64  `db:"commit_timestamp"`
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !validPrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}

	db, owns := cfg.DB, false
	if db == nil {
		if cfg.Driver == "" || cfg.DSN == "" {
			return nil, fmt.Errorf("%w: sql provider needs a DB or a driver and DSN", evstore.ErrConfiguration)
		}
		var err error
		db, err = Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	d, err := dialectFor(db.DriverName())
	if err != nil {
		if owns {
			_ = db.Close()
		}
		return nil, err
	}

	return &Provider{
		db:      db,
		ownsDB:  owns,
		dialect: d,
		tables:  tables{streams: prefix + "_streams", events: prefix + "_events"},
		log:     log.With(slog.String("provider", "sql"), slog.String("dialect", d.name)),
		now:     time.Now,
	}, nil
}

// Open opens driver/dsn with pool settings suited to the dialect. SQLite
// gets a single connection, which serializes writers and keeps in-memory
// databases alive.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	return db, nil
}

func (p *Provider) Close() error {
	if p.ownsDB {
		return p.db.Close()
	}
	return nil
}

// EnsureSchema creates the tables once per provider.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	return p.schema.Do(func() error {
		for _, stmt := range p.dialect.ddl(p.tables) {
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
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

	var (
		ev  evstore.Event
		err error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ev, err = p.addEvent(ctx, stream, payload)
		if err == nil || !p.dialect.retryable(err) {
			break
		}
		p.log.Debug("retrying append", stream.SlogAttr(), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	if err != nil {
		return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, err)
	}

	p.log.Debug("event added", stream.SlogAttr(), slog.Uint64("sequence", ev.Sequence))
	return ev.Clone(), nil
}

func (p *Provider) addEvent(ctx context.Context, stream evstore.Stream, payload json.RawMessage) (evstore.Event, error) {
	var ev evstore.Event
	err := p.inTx(ctx, func(tx *sqlx.Tx) error {
		seq, err := p.dialect.nextSequence(ctx, tx, p.tables, stream)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		ev = evstore.Event{
			Payload:         payload,
			CommitTimestamp: p.now().UnixMilli(),
			Sequence:        uint64(seq),
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(
			`INSERT INTO %s (aggregation, stream_id, seq, payload, commit_timestamp) VALUES (?, ?, ?, ?, ?)`,
			p.tables.events,
		)), stream.Aggregation, stream.ID, seq, string(payload), ev.CommitTimestamp)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	return ev, err
}

func (p *Provider) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Provider) GetEvents(ctx context.Context, stream evstore.Stream, page evstore.Page) ([]evstore.Event, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	// sequences are contiguous, so the offset is a sequence bound
	query := p.db.Rebind(fmt.Sprintf(
		`SELECT seq, payload, commit_timestamp FROM %s WHERE aggregation = ? AND stream_id = ? AND seq >= ? ORDER BY seq ASC`,
		p.tables.events,
	)) + p.dialect.pageClause(evstore.Page{Limit: page.Limit})

	var rows []eventRow
	if err := p.db.SelectContext(ctx, &rows, query, stream.Aggregation, stream.ID, clampInt64(page.Offset)); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetEvents, stream, err)
	}

	events := make([]evstore.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, evstore.Event{
			Payload:         json.RawMessage(r.Payload),
			CommitTimestamp: r.CommitTimestamp,
			Sequence:        uint64(r.Seq),
		})
	}
	return events, nil
}

func (p *Provider) GetAggregations(ctx context.Context, page evstore.Page) ([]string, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT aggregation FROM %s ORDER BY aggregation ASC`,
		p.tables.streams,
	) + p.dialect.pageClause(page)

	out := make([]string, 0)
	if err := p.db.SelectContext(ctx, &out, query); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, err)
	}
	return out, nil
}

func (p *Provider) GetStreams(ctx context.Context, aggregation string, page evstore.Page) ([]string, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}

	query := p.db.Rebind(fmt.Sprintf(
		`SELECT stream_id FROM %s WHERE aggregation = ? ORDER BY stream_id ASC`,
		p.tables.streams,
	)) + p.dialect.pageClause(page)

	out := make([]string, 0)
	if err := p.db.SelectContext(ctx, &out, query, aggregation); err != nil {
		return nil, evstore.NewPersistenceError(evstore.OpGetStreams, evstore.Stream{Aggregation: aggregation}, err)
	}
	return out, nil
}
