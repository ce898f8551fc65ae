package rabbitmq

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
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

// NewTestContainer starts RabbitMQ for the test and returns its URL.
func NewTestContainer(t Testing) string {
	ctx := t.Context()
	rmqC, err := testcontainers.Run(
		ctx, "rabbitmq:3.13-alpine",
		testcontainers.WithExposedPorts("5672/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete").WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(rmqC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := rmqC.PortEndpoint(ctx, "5672/tcp", "")
	require.NoError(t, err)
	url := "amqp://guest:guest@" + endpoint + "/"
	t.Logf("rabbitmq url: %s", url)
	return url
}

// NewTestConn dials url and closes the connection when the test ends.
func NewTestConn(t Testing, url string) *amqp.Connection {
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// NewTestPublisher returns a publisher on its own exchange prefix.
func NewTestPublisher(t Testing, conn *amqp.Connection) *Publisher {
	p, err := NewPublisher(PublisherConfig{
		Conn:           conn,
		ExchangePrefix: "evstore." + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}
