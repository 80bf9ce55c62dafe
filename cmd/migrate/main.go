// Command migrate applies or rolls back the database schema.
//
//	migrate up
//	migrate down -steps 1
//	migrate version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Priya8975/webhook-notifier/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	steps := fs.Int("steps", 1, "number of migrations to roll back with down")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: migrate [flags] up|down|version")
		fs.PrintDefaults()
	}

	if len(os.Args) < 2 {
		fs.Usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs.Parse(os.Args[2:])

	if *dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch cmd {
	case "up":
		err = store.Migrate(ctx, *dbURL)
	case "down":
		err = store.MigrateDown(ctx, *dbURL, *steps)
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = store.MigrationVersion(ctx, *dbURL)
		if err == nil {
			logger.Info("schema version", "version", v, "dirty", dirty)
		}
	default:
		fs.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("migration failed", "command", cmd, "error", err)
		os.Exit(1)
	}
	if cmd != "version" {
		logger.Info("migration complete", "command", cmd)
	}
}
