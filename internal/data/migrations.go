package data

import (
	"context"
	"database/sql"

	"github.com/target/etl-loader/internal/migrate"
)

// RunMigrations applies the queue schema by delegating to the migrate package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
