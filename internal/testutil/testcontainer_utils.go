// Package testutil starts the shared containers used by integration tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// sharedContainer starts one container per test binary and hands its
// endpoint to every test that asks for it.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

// get starts the container on first use. start returns the container and
// the endpoint derived from it. Tests are skipped when the container cannot
// be started (for example when no Docker daemon is reachable).
func (c *sharedContainer) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, endpoint, err := start(ctx)
		if err != nil {
			_ = testcontainers.TerminateContainer(container) // best-effort cleanup
			c.err = err
			return
		}

		// Containers outlive individual tests; ryuk reaps them when the
		// test binary exits.
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}
