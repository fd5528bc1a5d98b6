package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path"

	"LotLedger/internal/config"
	"LotLedger/internal/observability"
	"LotLedger/internal/query"

	"github.com/google/subcommands"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var configPath = flag.String("config", os.Getenv("LOTLEDGER_CONFIG"), "path to YAML config")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&positionCmd{}, "query")
	commander.Register(&lotsCmd{}, "query")
	commander.Register(&poolCmd{}, "query")
	commander.Register(&historyCmd{}, "query")
	commander.Register(&verifyCmd{}, "admin")
	commander.Register(&rebuildHistoryCmd{}, "admin")
	commander.Register(&injectCmd{}, "admin")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// env is what every command needs: config, a logger and a lazily opened DB.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *sql.DB
}

func loadEnv(ctx context.Context, needDB bool) (*env, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:    cfg,
		logger: observability.NewConsoleLogger("lotctl", observability.ParseLogLevel(cfg.LogLevel)),
	}
	if !needDB {
		return e, nil
	}
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	e.db = db
	return e, nil
}

func (e *env) close() {
	if e.db != nil {
		e.db.Close()
	}
}

// reader prefers the Redis cache and falls back to Postgres when it is down.
func (e *env) reader(ctx context.Context) query.Reader {
	qs := query.NewQueryService(e.db)
	client, err := query.NewRedisClient(ctx, e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
	if err != nil {
		e.logger.Debug().Err(err).Msg("redis unavailable, reading Postgres directly")
		return qs
	}
	return query.NewCachedReader(qs, client, e.cfg.Redis.TTL, observability.NewMetrics(), e.logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail reports err on stderr and maps it to an exit status.
func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}
