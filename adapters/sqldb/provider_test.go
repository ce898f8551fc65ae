package sqldb

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/adapters/postgres"
	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
)

func TestSQLite_Provider(t *testing.T) {
	db := NewTestDB(t, DriverSQLite, ":memory:")

	evtests.RunProviderSuite(t, func(t *testing.T) evstore.PersistenceProvider {
		return NewTestProvider(t, db)
	})
}

func TestSQLite_File(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	stream := evstore.NewStream("orders", "1")

	p, err := NewProvider(ProviderConfig{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	_, err = p.AddEvent(t.Context(), stream, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// reopen and continue the sequence
	p, err = NewProvider(ProviderConfig{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer p.Close()

	ev, err := p.AddEvent(t.Context(), stream, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Sequence)

	events, err := p.GetEvents(t.Context(), stream, evstore.Page{})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSQLite_Store(t *testing.T) {
	db := NewTestDB(t, DriverSQLite, ":memory:")

	evtests.RunStoreSuite(t, func(t *testing.T) *evstore.EventStore {
		return evstore.NewEventStore(
			evstore.WithProvider(NewTestProvider(t, db)),
			evstore.WithPublisher(evstore.NewInMemoryPublisher()),
		)
	})
}

func TestMySQL_Provider(t *testing.T) {
	db := NewTestDB(t, DriverMySQL, NewMySQLTestContainer(t))

	evtests.RunProviderSuite(t, func(t *testing.T) evstore.PersistenceProvider {
		return NewTestProvider(t, db)
	})
}

func TestPostgres_Provider(t *testing.T) {
	db := NewTestDB(t, DriverPostgres, postgres.NewTestContainer(t))

	evtests.RunProviderSuite(t, func(t *testing.T) evstore.PersistenceProvider {
		return NewTestProvider(t, db)
	})
}

func TestNewProvider_Config(t *testing.T) {
	_, err := NewProvider(ProviderConfig{})
	require.ErrorIs(t, err, evstore.ErrConfiguration)

	_, err = NewProvider(ProviderConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)

	db := NewTestDB(t, DriverSQLite, ":memory:")
	_, err = NewProvider(ProviderConfig{DB: db, TablePrefix: "Robert'); DROP"})
	require.Error(t, err)
}

func TestDialect_PageClause(t *testing.T) {
	for _, tc := range []struct {
		d    dialect
		page evstore.Page
		want string
	}{
		{sqliteDialect, evstore.Page{}, ""},
		{sqliteDialect, evstore.Page{Limit: 5}, " LIMIT 5"},
		{sqliteDialect, evstore.Page{Offset: 2}, " LIMIT -1 OFFSET 2"},
		{mysqlDialect, evstore.Page{Offset: 2}, " LIMIT 18446744073709551615 OFFSET 2"},
		{postgresDialect, evstore.Page{Offset: 2, Limit: 3}, " LIMIT 3 OFFSET 2"},
		{postgresDialect, evstore.Page{Offset: 2}, " LIMIT ALL OFFSET 2"},
		{sqliteDialect, evstore.Page{Offset: math.MaxUint64, Limit: math.MaxUint64}, " LIMIT 9223372036854775807 OFFSET 9223372036854775807"},
		{postgresDialect, evstore.Page{Limit: math.MaxUint64}, " LIMIT 9223372036854775807"},
	} {
		require.Equal(t, tc.want, tc.d.pageClause(tc.page), "%s %+v", tc.d.name, tc.page)
	}
}
