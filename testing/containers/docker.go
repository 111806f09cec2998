//go:build integration

// Package containers starts throwaway database and broker containers for
// integration tests. Every helper skips the calling test when Docker is not
// reachable and terminates the container through t.Cleanup.
package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// isDockerAvailable reports whether the Docker daemon answers through the
// testcontainers provider.
func isDockerAvailable(ctx context.Context) bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// endpoint is the host side address of one exposed container port.
type endpoint struct {
	host string
	port int
}

// start runs req, registers termination with t and resolves the mapped
// address of port. The test is skipped when Docker is unavailable.
func start(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port nat.Port) endpoint {
	t.Helper()

	if !isDockerAvailable(ctx) {
		t.Skip("Docker is not available - skipping integration test")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate %s: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to resolve %s host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("failed to resolve %s port %s: %v", req.Image, port, err)
	}

	t.Logf("%s started at %s:%d", req.Image, host, mapped.Int())
	return endpoint{host: host, port: mapped.Int()}
}

func waitFor(strategy wait.Strategy, timeout time.Duration) wait.Strategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return wait.ForAll(strategy).WithStartupTimeout(timeout)
}

func image(repo, tag string) string {
	return fmt.Sprintf("%s:%s", repo, tag)
}
