//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/store/storetest"
)

var pgContainer testcontainers.Container
var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()

	if err := setupPostgres(ctx); err != nil {
		fmt.Printf("failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func setupPostgres(ctx context.Context) error {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dispatch",
			"POSTGRES_PASSWORD": "dispatch",
			"POSTGRES_DB":       "dispatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return fmt.Errorf("mapped port: %w", err)
	}

	dsn = fmt.Sprintf("postgres://dispatch:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())
	return Bootstrap(ctx, dsn)
}

func TestPostgresCompliance(t *testing.T) {
	if dsn == "" {
		t.Skip("postgres container not available")
	}
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		db, err := Open(dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		// Each sub-test gets a clean slate; truncate rather than
		// re-provisioning the container per sub-test.
		for _, table := range []string{"tasks", "workers", "errors", "emits"} {
			if _, err := db.ExecContext(context.Background(), "TRUNCATE TABLE "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		s := NewWithDB(db)
		t.Cleanup(func() { _ = s.Close() })
		_ = n
		return s
	})
}
