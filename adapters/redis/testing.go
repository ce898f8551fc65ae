package redis

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

// NewTestContainer starts Redis for the test and returns a Connector for it.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	redisC, err := testcontainers.Run(
		ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := redisC.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)
	t.Logf("redis endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}

// NewTestProvider returns a provider on its own key prefix.
func NewTestProvider(t Testing, connect Connector) *Provider {
	p, err := NewProvider(ProviderConfig{
		Connect:   connect,
		KeyPrefix: "evstore:" + testName(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// NewTestPublisher returns a publisher on its own channel prefix.
func NewTestPublisher(t Testing, connect Connector) *Publisher {
	p, err := NewPublisher(PublisherConfig{
		Connect:       connect,
		ChannelPrefix: "evstore:notify:" + testName(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testName() string {
	return gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
}
