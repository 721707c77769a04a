package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var rabbit sharedContainer

// GetRabbitMQURL returns an amqp:// URL for a RabbitMQ container.
func GetRabbitMQURL(t *testing.T) string {
	t.Helper()
	return rabbit.get(t, startRabbitMQ)
}

func startRabbitMQ(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.Run(
		ctx, "rabbitmq:3.13-alpine",
		testcontainers.WithExposedPorts("5672/tcp"),
		testcontainers.WithEnv(map[string]string{
			"RABBITMQ_DEFAULT_USER": "replayflow",
			"RABBITMQ_DEFAULT_PASS": "replayflow",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			).WithDeadline(2*time.Minute),
		),
	)
	if err != nil {
		return c, "", err
	}

	endpoint, err := c.PortEndpoint(ctx, "5672/tcp", "")
	if err != nil {
		return c, "", err
	}
	return c, fmt.Sprintf("amqp://replayflow:replayflow@%s/", endpoint), nil
}
