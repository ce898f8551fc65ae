package nats

import (
	"context"
	"strings"

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

// NewTestContainer starts a JetStream enabled NATS server for the test and
// returns a Connector for it.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:2.11-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}

// NewTestProvider returns a provider on its own stream and subject prefix,
// so providers sharing one server never see each other's events.
func NewTestProvider(t Testing, connect Connector) *Provider {
	name := testName()
	p, err := NewProvider(t.Context(), ProviderConfig{
		Connect:       connect,
		StreamName:    "EVSTORE_" + strings.ToUpper(name),
		SubjectPrefix: "evstore." + name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// NewTestPublisher returns a publisher on its own subject prefix.
func NewTestPublisher(t Testing, connect Connector) *Publisher {
	p, err := NewPublisher(PublisherConfig{
		Connect:       connect,
		SubjectPrefix: "evstore.notify." + testName(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func testName() string {
	return gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
}
