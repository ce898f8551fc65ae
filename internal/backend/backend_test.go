package backend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
	"github.com/codewandler/evstore-go/internal/config"
)

func TestOpen_Memory(t *testing.T) {
	evtests.RunStoreSuite(t, func(t *testing.T) *evstore.EventStore {
		store, err := Open(t.Context(), config.Default(), Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Provider = config.ProviderConfig{
		Type: config.ProviderSQL,
		SQL: config.SQLConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(t.TempDir(), "events.db"),
		},
	}
	cfg.Publisher.Type = config.PublisherNone

	store, err := Open(t.Context(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.Nil(t, store.Publisher())
	ev, err := store.GetEventStream("orders", "A").AddEvent(t.Context(), map[string]string{"type": "created"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), ev.Sequence)

	_, err = store.Subscribe(t.Context(), "orders", func(evstore.Message) {})
	require.ErrorIs(t, err, evstore.ErrNoPublisher)
}

func TestOpen_Invalid(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Type = "cassandra"
	_, err := Open(t.Context(), cfg, Options{})
	require.True(t, IsConfiguration(err))

	cfg = config.Default()
	cfg.Publisher.Type = "kafka"
	_, err = Open(t.Context(), cfg, Options{})
	require.True(t, IsConfiguration(err))

	cfg = config.Default()
	cfg.PublishFailure = "retry"
	_, err = Open(t.Context(), cfg, Options{})
	require.Error(t, err)
}
