package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewMySQLTestContainer starts MySQL for the test and returns its DSN.
func NewMySQLTestContainer(t Testing) string {
	ctx := t.Context()
	myC, err := testcontainers.Run(
		ctx, "mysql:8.4",
		testcontainers.WithEnv(map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "evstore",
		}),
		testcontainers.WithExposedPorts("3306/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("3306/tcp"),
			wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(myC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := myC.PortEndpoint(ctx, "3306/tcp", "")
	require.NoError(t, err)
	dsn := fmt.Sprintf("root:test@tcp(%s)/evstore", endpoint)
	t.Logf("mysql dsn: %s", dsn)
	return dsn
}

// NewTestDB opens driver/dsn and closes it when the test ends.
func NewTestDB(t Testing, driver, dsn string) *sqlx.DB {
	db, err := Open(driver, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(t.Context()))
	return db
}

// NewTestProvider returns a provider on its own pair of tables.
func NewTestProvider(t Testing, db *sqlx.DB) *Provider {
	p, err := NewProvider(ProviderConfig{
		DB:          db,
		TablePrefix: "t_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10),
	})
	require.NoError(t, err)
	return p
}
