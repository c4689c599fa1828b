// Command migrate applies quay's schema migrations with goose.
//
// Usage:
//
//	migrate up              apply all pending migrations
//	migrate down            roll back the most recent migration
//	migrate status          show applied and pending migrations
//	migrate version         print the current schema version
//	migrate up-to <n>       migrate up to version n
//	migrate down-to <n>     roll back to version n
//
// The target database comes from DATABASE_URL (a .env file is honored).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: migrate <up|down|status|version|redo|up-to|down-to> [args]")
	}
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := goose.RunContext(ctx, command, db, "migrations", args...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
