//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRabbitMQ runs a RabbitMQ broker with the default guest account and
// returns its AMQP URL.
func StartRabbitMQ(ctx context.Context, t *testing.T) string {
	t.Helper()

	ep := start(ctx, t, testcontainers.ContainerRequest{
		Image:        image("rabbitmq", "3.13-alpine"),
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: waitFor(wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		), 0),
	}, "5672/tcp")

	return fmt.Sprintf("amqp://guest:guest@%s:%d/", ep.host, ep.port)
}
