package mongo

import (
	"context"

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

// NewTestContainer starts MongoDB for the test and returns a Connector
// sharing one client between all providers of the test.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(mongoC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := mongoC.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)
	t.Logf("mongo endpoint: %s", endpoint)

	client, release, err := ConnectURI(endpoint)(ctx)
	require.NoError(t, err)
	t.Cleanup(release)
	return ConnectClient(client)
}

// NewTestProvider returns a provider on its own collections.
func NewTestProvider(t Testing, connect Connector) *Provider {
	p, err := NewProvider(t.Context(), ProviderConfig{
		Connect:          connect,
		CollectionPrefix: "t_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}
