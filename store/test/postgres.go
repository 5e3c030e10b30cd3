package test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/lithammer/shortuuid/v4"
	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
)

// GetPostgresDSN returns a DSN for PostgreSQL testing.
// It expects POSTGRES_TEST_DSN to point at a server the tests may create schemas on,
// and gives every test its own schema so runs do not interfere.
func GetPostgresDSN(t *testing.T) string {
	base := os.Getenv("POSTGRES_TEST_DSN")
	if base == "" {
		t.Skip("POSTGRES_TEST_DSN is not set")
	}

	schema := "chatsync_test_" + shortuuid.New()[:10]
	ctx := context.Background()
	admin, err := sql.Open("postgres", base)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	if _, err := admin.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema)); err != nil {
		admin.Close()
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.ExecContext(ctx, fmt.Sprintf(`DROP SCHEMA "%s" CASCADE`, schema)); err != nil {
			t.Logf("failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	return withSearchPath(base, schema)
}

func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}
