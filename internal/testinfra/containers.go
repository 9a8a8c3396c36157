// Package testinfra starts throwaway MongoDB and pgvector containers for
// integration tests. Tests using it carry the integration build tag and
// skip when Docker is unavailable.
package testinfra

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mongoImage    = "mongo:7"
	mongoPort     = "27017/tcp"
	pgvectorImage = "pgvector/pgvector:pg16"
	postgresPort  = "5432/tcp"
)

// SkipIfNoDocker skips t when the docker daemon cannot be reached.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

// StartMongo runs a standalone MongoDB and returns its connection URI. The
// container is terminated when t finishes.
func StartMongo(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        mongoImage,
		ExposedPorts: []string{mongoPort},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(mongoPort),
			wait.ForLog("Waiting for connections"),
		).WithDeadline(2 * time.Minute),
	})
	mapped, err := c.MappedPort(context.Background(), mongoPort)
	if err != nil {
		t.Fatalf("mapped port %s: %v", mongoPort, err)
	}
	return fmt.Sprintf("mongodb://%s:%s", host(t, c), mapped.Port())
}

// StartPGVector runs PostgreSQL with the vector extension available and
// returns a DSN for it.
func StartPGVector(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        pgvectorImage,
		ExposedPorts: []string{postgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     "events",
			"POSTGRES_PASSWORD": "events",
			"POSTGRES_DB":       "events",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(postgresPort),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(2 * time.Minute),
	})
	mapped, err := c.MappedPort(context.Background(), postgresPort)
	if err != nil {
		t.Fatalf("mapped port %s: %v", postgresPort, err)
	}
	return fmt.Sprintf("postgres://events:events@%s:%s/events?sslmode=disable", host(t, c), mapped.Port())
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate %s: %v", req.Image, err)
		}
	})
	return c
}

func host(t *testing.T, c testcontainers.Container) string {
	t.Helper()
	h, err := c.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	return h
}
