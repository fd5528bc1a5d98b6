package main

import (
	"context"
	"flag"
	"os"

	"LotLedger/internal/query"

	"github.com/google/subcommands"
)

type positionCmd struct {
	asset  string
	holder string
}

func (*positionCmd) Name() string     { return "position" }
func (*positionCmd) Synopsis() string { return "show the cost basis and realized P&L of a position" }
func (*positionCmd) Usage() string {
	return `lotctl position -asset <asset> -holder <holder>
`
}

func (c *positionCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asset, "asset", "", "asset id")
	f.StringVar(&c.holder, "holder", "", "holder id")
}

func (c *positionCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.asset == "" || c.holder == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e, err := loadEnv(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	pos, err := e.reader(ctx).GetPosition(ctx, c.asset, c.holder)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(os.Stdout, pos); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type lotsCmd struct {
	asset    string
	holder   string
	consumed bool
}

func (*lotsCmd) Name() string     { return "lots" }
func (*lotsCmd) Synopsis() string { return "list a position's acquisition lots in FIFO order" }
func (*lotsCmd) Usage() string {
	return `lotctl lots -asset <asset> -holder <holder> [-consumed]
`
}

func (c *lotsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asset, "asset", "", "asset id")
	f.StringVar(&c.holder, "holder", "", "holder id")
	f.BoolVar(&c.consumed, "consumed", false, "include fully consumed lots")
}

func (c *lotsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.asset == "" || c.holder == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e, err := loadEnv(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	lots, err := e.reader(ctx).ListLots(ctx, c.asset, c.holder, c.consumed)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(os.Stdout, lots); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type poolCmd struct {
	poolID string
}

func (*poolCmd) Name() string     { return "pool" }
func (*poolCmd) Synopsis() string { return "show a pool's totals, settlement state and contributors" }
func (*poolCmd) Usage() string {
	return `lotctl pool -id <pool_id>
`
}

func (c *poolCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.poolID, "id", "", "pool id")
}

func (c *poolCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.poolID == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e, err := loadEnv(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	pool, err := e.reader(ctx).GetPool(ctx, c.poolID)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(os.Stdout, pool); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type historyCmd struct {
	asset  string
	holder string
	limit  int
	before int64
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list realized P&L records of a position, newest first" }
func (*historyCmd) Usage() string {
	return `lotctl history -asset <asset> -holder <holder> [-limit n] [-before seq]
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asset, "asset", "", "asset id")
	f.StringVar(&c.holder, "holder", "", "holder id")
	f.IntVar(&c.limit, "limit", 50, "maximum records")
	f.Int64Var(&c.before, "before", -1, "only records with a lower sequence (paging cursor)")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.asset == "" || c.holder == "" || c.limit <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e, err := loadEnv(ctx, true)
	if err != nil {
		return fail(err)
	}
	defer e.close()

	var before *int64
	if c.before >= 0 {
		before = &c.before
	}
	history, err := query.NewQueryService(e.db).GetDisposalHistory(ctx, c.asset, c.holder, c.limit, before)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(os.Stdout, history); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
