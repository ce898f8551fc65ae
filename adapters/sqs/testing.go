package sqs

import (
	"context"
	"time"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codewandler/evstore-go/internal/awsconf"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts LocalStack with SQS for the test and returns a
// client for it.
func NewTestContainer(t Testing) *awssqs.Client {
	ctx := t.Context()
	lsC, err := testcontainers.Run(
		ctx, "localstack/localstack:3.8",
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
		testcontainers.WithExposedPorts("4566/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(lsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := lsC.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)
	t.Logf("localstack endpoint: %s", endpoint)

	awsCfg, err := awsconf.Load(ctx, awsconf.Local(endpoint))
	require.NoError(t, err)
	return awssqs.NewFromConfig(awsCfg)
}

// NewTestPublisher returns a publisher on its own FIFO queue with a short
// long-poll.
func NewTestPublisher(t Testing, client *awssqs.Client) *Publisher {
	p, err := NewPublisher(t.Context(), PublisherConfig{
		Client:      client,
		QueueName:   "t-" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10) + ".fifo",
		CreateQueue: true,
		WaitTime:    time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}
