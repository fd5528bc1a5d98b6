package persistence

import (
	"LotLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow represents a row in ledger.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PartitionKey   string
	Payload        []byte // JSON wire form of the event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

type PositionRow struct {
	Position     state.Position
	LastSequence int64
}

type LotRow struct {
	Lot          state.AcquisitionLot
	LastSequence int64
}

type PoolRow struct {
	Pool         state.PoolTotals
	LastSequence int64
}

type ContributionRow struct {
	Contribution state.HolderContribution
	LastSequence int64
}

// LedgerWriter writes the event log and upserts materialized state using
// multi-row statements. Every method takes the Execer so a flush can group
// them in one transaction.
type LedgerWriter struct{}

func NewLedgerWriter() *LedgerWriter {
	return &LedgerWriter{}
}

// multiRowInsert renders "prefix VALUES ($1..$n), (...) suffix" for rows of width cols
func multiRowInsert(prefix string, rows, cols int, suffix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(" VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteByte(')')
	}
	sb.WriteByte(' ')
	sb.WriteString(suffix)
	return sb.String()
}

// nullTime maps the zero time to NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// maxBindParams is the Postgres limit on parameters per statement
const maxBindParams = 65535

// execChunked writes rows with as few multi-row statements as the parameter
// limit allows
func execChunked[T any](
	ctx context.Context, ex Execer, rows []T, cols int,
	prefix, suffix string, argsOf func(T) []any,
) error {
	size := maxBindParams / cols
	for start := 0; start < len(rows); start += size {
		part := rows[start:min(start+size, len(rows))]
		args := make([]any, 0, len(part)*cols)
		for _, r := range part {
			args = append(args, argsOf(r)...)
		}
		if _, err := ex.ExecContext(ctx, multiRowInsert(prefix, len(part), cols, suffix), args...); err != nil {
			return err
		}
	}
	return nil
}

// WriteEventBatch appends events to ledger.events. Re-writing an existing
// sequence is a no-op.
func (w *LedgerWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	err := execChunked(ctx, ex, events, cols,
		`INSERT INTO ledger.events
		(sequence, event_type, idempotency_key, partition_key, payload, state_hash, prev_hash, timestamp, source_sequence)`,
		`ON CONFLICT (sequence) DO NOTHING`,
		func(e EventRow) []any {
			return []any{
				e.Sequence, e.EventType, e.IdempotencyKey, e.PartitionKey,
				e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
			}
		},
	)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

// UpsertPositions writes the latest version of each position
func (w *LedgerWriter) UpsertPositions(ctx context.Context, ex Execer, rows []PositionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 16
	err := execChunked(ctx, ex, rows, cols,
		`INSERT INTO ledger.positions
		(asset, holder, balance, total_cost_basis_usd, average_cost_per_unit, realized_pnl_usd,
		 total_acquired, total_disposed, total_spent_usd, total_received_usd,
		 first_acquired_at, last_updated_at, next_lot_index, first_open_lot, version, last_sequence)`,
		`ON CONFLICT (asset, holder) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_cost_basis_usd = EXCLUDED.total_cost_basis_usd,
			average_cost_per_unit = EXCLUDED.average_cost_per_unit,
			realized_pnl_usd = EXCLUDED.realized_pnl_usd,
			total_acquired = EXCLUDED.total_acquired,
			total_disposed = EXCLUDED.total_disposed,
			total_spent_usd = EXCLUDED.total_spent_usd,
			total_received_usd = EXCLUDED.total_received_usd,
			first_acquired_at = EXCLUDED.first_acquired_at,
			last_updated_at = EXCLUDED.last_updated_at,
			next_lot_index = EXCLUDED.next_lot_index,
			first_open_lot = EXCLUDED.first_open_lot,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE ledger.positions.last_sequence <= EXCLUDED.last_sequence`,
		func(r PositionRow) []any {
			p := r.Position
			return []any{
				p.Asset, p.Holder, p.Balance, p.TotalCostBasisUSD, p.AverageCostPerUnit, p.RealizedPnLUSD,
				p.TotalAcquired, p.TotalDisposed, p.TotalSpentUSD, p.TotalReceivedUSD,
				nullTime(p.FirstAcquiredAt), nullTime(p.LastUpdatedAt), p.NextLotIndex, p.FirstOpenLot,
				p.Version, r.LastSequence,
			}
		},
	)
	if err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}
	return nil
}

// UpsertLots writes the latest version of each lot
func (w *LedgerWriter) UpsertLots(ctx context.Context, ex Execer, rows []LotRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 13
	err := execChunked(ctx, ex, rows, cols,
		`INSERT INTO ledger.lots
		(asset, holder, lot_index, amount, original_amount, cost_usd, original_cost_usd,
		 price_per_unit, source_kind, source_ref, created_at, fully_consumed, last_sequence)`,
		`ON CONFLICT (asset, holder, lot_index) DO UPDATE SET
			amount = EXCLUDED.amount,
			cost_usd = EXCLUDED.cost_usd,
			fully_consumed = EXCLUDED.fully_consumed,
			last_sequence = EXCLUDED.last_sequence
		WHERE ledger.lots.last_sequence <= EXCLUDED.last_sequence`,
		func(r LotRow) []any {
			l := r.Lot
			return []any{
				l.Asset, l.Holder, l.LotIndex, l.Amount, l.OriginalAmount, l.CostUSD, l.OriginalCostUSD,
				l.PricePerUnit, l.SourceKind.String(), l.SourceRef, l.CreatedAt, l.FullyConsumed, r.LastSequence,
			}
		},
	)
	if err != nil {
		return fmt.Errorf("upsert lots: %w", err)
	}
	return nil
}

// UpsertPools writes the latest version of each pool
func (w *LedgerWriter) UpsertPools(ctx context.Context, ex Execer, rows []PoolRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 9
	err := execChunked(ctx, ex, rows, cols,
		`INSERT INTO ledger.pools
		(pool_id, total_net_contribution, total_net_contribution_usd, settled, settled_at,
		 distributed_asset_total, target_asset_id, version, last_sequence)`,
		`ON CONFLICT (pool_id) DO UPDATE SET
			total_net_contribution = EXCLUDED.total_net_contribution,
			total_net_contribution_usd = EXCLUDED.total_net_contribution_usd,
			settled = EXCLUDED.settled,
			settled_at = EXCLUDED.settled_at,
			distributed_asset_total = EXCLUDED.distributed_asset_total,
			target_asset_id = EXCLUDED.target_asset_id,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE ledger.pools.last_sequence <= EXCLUDED.last_sequence`,
		func(r PoolRow) []any {
			p := r.Pool
			return []any{
				p.PoolID, p.TotalNetContribution, p.TotalNetContributionUSD, p.Settled, nullTime(p.SettledAt),
				p.DistributedAssetTotal, p.TargetAssetID, p.Version, r.LastSequence,
			}
		},
	)
	if err != nil {
		return fmt.Errorf("upsert pools: %w", err)
	}
	return nil
}

// UpsertContributions writes the latest version of each holder contribution
func (w *LedgerWriter) UpsertContributions(ctx context.Context, ex Execer, rows []ContributionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 6
	err := execChunked(ctx, ex, rows, cols,
		`INSERT INTO ledger.holder_contributions
		(pool_id, holder, net_contribution, net_contribution_usd, version, last_sequence)`,
		`ON CONFLICT (pool_id, holder) DO UPDATE SET
			net_contribution = EXCLUDED.net_contribution,
			net_contribution_usd = EXCLUDED.net_contribution_usd,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE ledger.holder_contributions.last_sequence <= EXCLUDED.last_sequence`,
		func(r ContributionRow) []any {
			c := r.Contribution
			return []any{c.PoolID, c.Holder, c.NetContribution, c.NetContributionUSD, c.Version, r.LastSequence}
		},
	)
	if err != nil {
		return fmt.Errorf("upsert contributions: %w", err)
	}
	return nil
}

// WriteBatch writes every part of a batch through ex, recording row counts
func (w *LedgerWriter) WriteBatch(ctx context.Context, ex Execer, b *Batch) (map[string]int, error) {
	positions, lots, pools, contributions := b.Positions(), b.Lots(), b.Pools(), b.Contributions()

	if err := w.WriteEventBatch(ctx, ex, b.Events()); err != nil {
		return nil, err
	}
	if err := w.UpsertPositions(ctx, ex, positions); err != nil {
		return nil, err
	}
	if err := w.UpsertLots(ctx, ex, lots); err != nil {
		return nil, err
	}
	if err := w.UpsertPools(ctx, ex, pools); err != nil {
		return nil, err
	}
	if err := w.UpsertContributions(ctx, ex, contributions); err != nil {
		return nil, err
	}

	return map[string]int{
		"events":               b.Len(),
		"positions":            len(positions),
		"lots":                 len(lots),
		"pools":                len(pools),
		"holder_contributions": len(contributions),
	}, nil
}
