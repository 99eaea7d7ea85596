// Package migrate applies embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"uniattend/migrations"
)

// Up runs all pending migrations from the embedded filesystem.
func Up(ctx context.Context, dsn string) error {
	return run(dsn, func(db *sql.DB) error { return goose.UpContext(ctx, db, ".") })
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, dsn string) error {
	return run(dsn, func(db *sql.DB) error { return goose.DownContext(ctx, db, ".") })
}

// Status prints the state of every migration through goose's logger.
func Status(ctx context.Context, dsn string) error {
	return run(dsn, func(db *sql.DB) error { return goose.StatusContext(ctx, db, ".") })
}

func run(dsn string, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return fn(db)
}
