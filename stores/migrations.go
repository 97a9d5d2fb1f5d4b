package stores

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/oarkflow/squealx"
)

//go:embed migrations.sql
var migrationsSQL string

// Migrate creates the tables used by the SQL stores. It is idempotent.
func Migrate(ctx context.Context, db *squealx.DB) error {
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
