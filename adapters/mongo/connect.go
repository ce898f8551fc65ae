package mongo

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type closeFunc = func()

// Connector returns a connected client and the function releasing it.
type Connector func(ctx context.Context) (client *mongo.Client, close closeFunc, err error)

func ConnectURI(uri string) Connector {
	return func(ctx context.Context) (*mongo.Client, closeFunc, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("evstore"))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: connect: %w", err)
		}
		return client, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		}, nil
	}
}

// ConnectClient shares an existing client owned by the caller.
func ConnectClient(client *mongo.Client) Connector {
	return func(context.Context) (*mongo.Client, closeFunc, error) {
		return client, func() {}, nil
	}
}

// ConnectDefault connects to $MONGODB_URI, falling back to localhost.
func ConnectDefault() Connector {
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		return ConnectURI(uri)
	}
	return ConnectURI("mongodb://localhost:27017")
}
