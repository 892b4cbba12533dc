// Package migrations owns the database schema. Migration files are
// embedded and applied in lexical order; every statement is idempotent, so
// running the set again on an up-to-date database is harmless.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/slotwise/calsync/internal/shared/infrastructure/database"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunPostgresMigrations executes all migrations in order.
func RunPostgresMigrations(ctx context.Context, conn database.Connection) error {
	entries, err := postgresFS.ReadDir("postgres")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, file := range upFiles {
		migration, err := postgresFS.ReadFile("postgres/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := conn.Exec(ctx, string(migration)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}
	return nil
}
