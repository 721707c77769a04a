package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongoC sharedContainer

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoC.get(t, startMongo)
}

func startMongo(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute),
			wait.ForLog("Waiting for connections"),
		),
	)
	if err != nil {
		return c, "", err
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		return c, "", err
	}
	return c, fmt.Sprintf("mongodb://%s", endpoint), nil
}
