package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisC sharedContainer

// GetRedisAddress returns host:port of a Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.get(t, startRedis)
}

func startRedis(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		return c, "", err
	}

	endpoint, err := c.Endpoint(ctx, "")
	return c, endpoint, err
}
