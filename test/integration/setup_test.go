//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/db"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/migrations"
)

// globalPool is the migrated registry database shared by every test.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgres starts postgres:16-alpine and applies the embedded
// migrations.
func setupPostgres(ctx context.Context) (*pgxpool.Pool, func(), error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres: %w", err)
	}
	terminate := func() { _ = testcontainers.TerminateContainer(container) }

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connection string: %w", err)
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10, MinConns: 2})
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if _, err := db.NewMigrator(pool, migrations.FS).Up(migrateCtx); err != nil {
		pool.Close()
		terminate()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

// resetTables empties the registry between tests. The archive table's
// immutability trigger blocks DELETE, so it is truncated instead.
func resetTables(t *testing.T) {
	t.Helper()
	_, err := globalPool.Exec(context.Background(), `TRUNCATE shock_case, registry_archive`)
	if err != nil {
		t.Fatalf("reset tables: %v", err)
	}
}
