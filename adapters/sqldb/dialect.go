package sqldb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/codewandler/evstore-go/core/evstore"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type tables struct {
	streams string
	events  string
}

// dialect holds what differs between the supported databases: column
// types, the atomic counter statement and LIMIT/OFFSET syntax.
type dialect struct {
	name string
	ddl  func(t tables) []string
	// nextSequence increments the stream counter inside tx and returns the
	// sequence of the event being appended.
	nextSequence func(ctx context.Context, tx *sqlx.Tx, t tables, stream evstore.Stream) (int64, error)
	// unbounded is the LIMIT clause used when only an offset is given.
	unbounded string
	// retryable reports errors after which the append transaction may be
	// run again, such as lock deadlocks.
	retryable func(err error) bool
}

func never(error) bool { return false }

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	case DriverPostgres, "pgx":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("%w: unsupported sql driver %q", evstore.ErrConfiguration, driver)
	}
}

// pageClause renders LIMIT/OFFSET for page. Values are capped at the
// largest signed 64 bit integer every supported database accepts.
func (d dialect) pageClause(page evstore.Page) string {
	limit := strconv.FormatInt(clampInt64(page.Limit), 10)
	offset := strconv.FormatInt(clampInt64(page.Offset), 10)
	switch {
	case page.Bounded() && page.Offset > 0:
		return " LIMIT " + limit + " OFFSET " + offset
	case page.Bounded():
		return " LIMIT " + limit
	case page.Offset > 0:
		return " " + d.unbounded + " OFFSET " + offset
	default:
		return ""
	}
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// upsertNext is shared by the dialects supporting ON CONFLICT ... RETURNING.
func upsertNext(ctx context.Context, tx *sqlx.Tx, t tables, stream evstore.Stream) (int64, error) {
	query := tx.Rebind(fmt.Sprintf(
		`INSERT INTO %[1]s (aggregation, stream_id, next_seq) VALUES (?, ?, 1)
ON CONFLICT (aggregation, stream_id) DO UPDATE SET next_seq = %[1]s.next_seq + 1
RETURNING next_seq - 1`,
		t.streams,
	))
	var seq int64
	err := tx.QueryRowxContext(ctx, query, stream.Aggregation, stream.ID).Scan(&seq)
	return seq, err
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	ddl: func(t tables) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	next_seq INTEGER NOT NULL,
	PRIMARY KEY (aggregation, stream_id)
)`, t.streams),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	payload TEXT NOT NULL,
	commit_timestamp INTEGER NOT NULL,
	PRIMARY KEY (aggregation, stream_id, seq)
)`, t.events),
		}
	},
	nextSequence: upsertNext,
	unbounded:    "LIMIT -1",
	retryable:    never,
}

var postgresDialect = dialect{
	name: DriverPostgres,
	ddl: func(t tables) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation TEXT COLLATE "C" NOT NULL,
	stream_id TEXT COLLATE "C" NOT NULL,
	next_seq BIGINT NOT NULL,
	PRIMARY KEY (aggregation, stream_id)
)`, t.streams),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation TEXT COLLATE "C" NOT NULL,
	stream_id TEXT COLLATE "C" NOT NULL,
	seq BIGINT NOT NULL,
	payload TEXT NOT NULL,
	commit_timestamp BIGINT NOT NULL,
	PRIMARY KEY (aggregation, stream_id, seq)
)`, t.events),
		}
	},
	nextSequence: upsertNext,
	unbounded:    "LIMIT ALL",
	retryable:    never,
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	ddl: func(t tables) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation VARCHAR(255) NOT NULL,
	stream_id VARCHAR(255) NOT NULL,
	next_seq BIGINT NOT NULL,
	PRIMARY KEY (aggregation, stream_id)
) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`, t.streams),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregation VARCHAR(255) NOT NULL,
	stream_id VARCHAR(255) NOT NULL,
	seq BIGINT NOT NULL,
	payload LONGTEXT NOT NULL,
	commit_timestamp BIGINT NOT NULL,
	PRIMARY KEY (aggregation, stream_id, seq)
) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`, t.events),
		}
	},
	// LAST_INSERT_ID(expr) stores the counter value for this connection,
	// so the following SELECT reads it back without another lookup.
	nextSequence: func(ctx context.Context, tx *sqlx.Tx, t tables, stream evstore.Stream) (int64, error) {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (aggregation, stream_id, next_seq) VALUES (?, ?, LAST_INSERT_ID(1))
ON DUPLICATE KEY UPDATE next_seq = LAST_INSERT_ID(next_seq + 1)`,
			t.streams,
		), stream.Aggregation, stream.ID)
		if err != nil {
			return 0, err
		}
		var next int64
		if err := tx.QueryRowxContext(ctx, "SELECT LAST_INSERT_ID()").Scan(&next); err != nil {
			return 0, err
		}
		return next - 1, nil
	},
	unbounded: "LIMIT 18446744073709551615",
	// concurrent first inserts of one counter row can deadlock on gap locks
	retryable: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && (myErr.Number == 1213 || myErr.Number == 1205)
	},
}
