package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer starts a disposable Postgres in Docker, replays the schema
// from migrations/, and returns the *sql.DB plus a cleanup function that
// terminates the container.
//
//	db, cleanup := testutil.PGContainer(t)
//	defer cleanup()
//
// Unlike PGTest, nothing is shared between test runs: every call gets a
// fresh database. The test is skipped unless PROCTOR_CONTAINER_TESTS is
// set, since it needs a Docker daemon.
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if os.Getenv("PROCTOR_CONTAINER_TESTS") == "" {
		t.Skip("PROCTOR_CONTAINER_TESTS not set, skipping container test")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("proctor"),
		tcpostgres.WithUsername("proctor"),
		tcpostgres.WithPassword("proctor"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgcontainer: start postgres: %v", err)
	}

	terminate := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgcontainer: terminate: %v", err)
		}
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("pgcontainer: connection string: %v", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		terminate()
		t.Fatalf("pgcontainer: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgcontainer: connect to database: %v", err)
	}

	if err := replayMigrations(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgcontainer: replay migrations: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}
