package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"LotLedger/internal/config"
	"LotLedger/internal/observability"
	"LotLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOTLEDGER_CONFIG"), "path to YAML config")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config path] <up|down>")
		fmt.Fprintln(os.Stderr, "  up   - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down - roll back the last migration")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  LOTLEDGER_POSTGRES_DSN - Postgres connection string")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	var direction persistence.Direction
	switch flag.Arg(0) {
	case "up":
		direction = persistence.DirectionUp
	case "down":
		direction = persistence.DirectionDown
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", flag.Arg(0))
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewConsoleLogger("migrate", observability.ParseLogLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := persistence.Migrate(db, direction, logger); err != nil {
		logger.Fatal().Err(err).Str("direction", string(direction)).Msg("migrate failed")
	}
	logger.Info().Str("direction", string(direction)).Msg("migrations complete")
}
