package infra

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SetupDB provisions a migrated database for one test: a throwaway Docker
// Postgres when Docker is available, otherwise the DSN from
// RENTLEDGER_TEST_PG_DSN or a local PostgreSQL. Shared databases get a
// per-run schema. The test is skipped when no database can be reached.
func SetupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	var (
		pgC        *PGContainer
		dsn        string
		err        error
		usedShared bool
	)

	switch {
	case os.Getenv("RENTLEDGER_TEST_PG_DSN") != "":
		dsn = os.Getenv("RENTLEDGER_TEST_PG_DSN")
		usedShared = true
		pgC = &PGContainer{}
	case dockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
		pgC = &PGContainer{}
	}
	t.Cleanup(func() {
		if err := pgC.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	pool, teardown, err := ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func dockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
