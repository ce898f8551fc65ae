package redis

import (
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
)

type closeFunc = func()

// Connector returns a client and the function releasing it.
type Connector func() (client *goredis.Client, close closeFunc, err error)

// ConnectURL parses a redis:// or rediss:// URL.
func ConnectURL(redisURL string) Connector {
	return func() (*goredis.Client, closeFunc, error) {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: parse url: %w", err)
		}
		if opts.ClientName == "" {
			opts.ClientName = "evstore"
		}
		client := goredis.NewClient(opts)
		return client, func() { _ = client.Close() }, nil
	}
}

// ConnectClient shares an existing client. Releasing it is a no-op; the
// owner closes the client.
func ConnectClient(client *goredis.Client) Connector {
	return func() (*goredis.Client, closeFunc, error) {
		return client, func() {}, nil
	}
}

// ConnectDefault connects to $REDIS_URL, falling back to localhost.
func ConnectDefault() Connector {
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		return ConnectURL(redisURL)
	}
	return ConnectURL("redis://localhost:6379/0")
}
