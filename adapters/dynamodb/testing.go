package dynamodb

import (
	"context"
	"fmt"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
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

// NewTestContainer starts dynamodb-local for the test and returns a client
// for it.
func NewTestContainer(t Testing) *awsdynamodb.Client {
	ctx := t.Context()
	ddbC, err := testcontainers.Run(
		ctx, "amazon/dynamodb-local:2.5.2",
		testcontainers.WithCmd("-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"),
		testcontainers.WithExposedPorts("8000/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("8000/tcp"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ddbC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := ddbC.PortEndpoint(ctx, "8000/tcp", "http")
	require.NoError(t, err)
	t.Logf("dynamodb endpoint: %s", endpoint)

	awsCfg, err := awsconf.Load(ctx, awsconf.Local(endpoint))
	require.NoError(t, err)
	return awsdynamodb.NewFromConfig(awsCfg)
}

// NewTestProvider returns a provider on its own table.
func NewTestProvider(t Testing, client *awsdynamodb.Client) *Provider {
	p, err := NewProvider(t.Context(), ProviderConfig{
		Client:      client,
		Table:       fmt.Sprintf("t_%s", gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10)),
		CreateTable: true,
	})
	require.NoError(t, err)
	return p
}
