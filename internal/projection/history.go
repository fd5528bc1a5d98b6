package projection

import (
	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// HistorySink records realized P&L per disposal and settlement allocations
// in ledger.disposals / ledger.settlement_allocations.
type HistorySink struct {
	db *sql.DB
}

func NewHistorySink(db *sql.DB) *HistorySink {
	return &HistorySink{db: db}
}

func (h *HistorySink) Name() string {
	return "history"
}

func (h *HistorySink) Apply(ctx context.Context, out core.CoreOutput) error {
	if out.Disposal == nil && (out.Settlement == nil || !out.Settlement.Applied) {
		return h.advanceWatermark(ctx, h.db, out.Envelope.Sequence)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Disposal != nil {
		if err := h.writeDisposal(ctx, tx, out); err != nil {
			return fmt.Errorf("disposal history: %w", err)
		}
	}
	if out.Settlement != nil && out.Settlement.Applied {
		if err := h.writeSettlement(ctx, tx, out); err != nil {
			return fmt.Errorf("settlement history: %w", err)
		}
	}
	if err := h.advanceWatermark(ctx, tx, out.Envelope.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func (h *HistorySink) writeDisposal(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	evt, ok := out.Event.(*event.Disposal)
	if !ok {
		return fmt.Errorf("disposal result on %s event", out.Envelope.EventType)
	}
	res := out.Disposal

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.disposals
			(sequence, asset, holder, quantity, proceeds_usd, cost_basis_consumed,
			 realized_pnl_usd, unmatched, lots_touched, disposed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, out.Envelope.Sequence, evt.Asset, evt.Holder, evt.Amount, evt.ProceedsUSD,
		res.CostBasisConsumed, res.RealizedPnLUSD, res.Unmatched, len(res.Consumptions), evt.Timestamp)
	return err
}

func (h *HistorySink) writeSettlement(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	s := out.Settlement
	for _, a := range s.Allocations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.settlement_allocations
				(sequence, pool_id, holder, asset, allocated, cost_usd, lot_index, duplicate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (pool_id, holder) DO NOTHING
		`, out.Envelope.Sequence, s.PoolID, a.Holder, s.TargetAsset, a.Allocated, a.CostUSD, a.LotIndex, a.Duplicate); err != nil {
			return err
		}
	}
	return nil
}

func (h *HistorySink) advanceWatermark(ctx context.Context, ex persistence.Execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO ledger.projection_watermark (id, last_sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_sequence = GREATEST(ledger.projection_watermark.last_sequence, $1), updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence the history reflects, or -1
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT last_sequence FROM ledger.projection_watermark WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// replayApplier drives a scratch core and hands each output to the sink
// synchronously, so nothing is dropped during a rebuild.
type replayApplier struct {
	ctx  context.Context
	core *core.DeterministicCore
	out  chan core.CoreOutput
	sink Sink
}

func (r *replayApplier) ProcessEvent(evt event.Event) (*core.ApplyResult, error) {
	res, err := r.core.ProcessEvent(evt)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-r.out:
		if err := r.sink.Apply(r.ctx, out); err != nil {
			return nil, fmt.Errorf("apply history at %d: %w", out.Envelope.Sequence, err)
		}
	default:
	}
	return res, nil
}

// RebuildHistory truncates the history tables and replays the whole event log
// through a scratch core to repopulate them.
func RebuildHistory(ctx context.Context, db *sql.DB, cfg core.Config, logger zerolog.Logger) (int, error) {
	for _, stmt := range []string{
		`TRUNCATE ledger.disposals`,
		`TRUNCATE ledger.settlement_allocations`,
		`DELETE FROM ledger.projection_watermark`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate: %w", err)
		}
	}

	out := make(chan core.CoreOutput, 1)
	scratch := core.NewDeterministicCore(0, cfg, nil, out, nil, nil, logger)
	applier := &replayApplier{ctx: ctx, core: scratch, out: out, sink: NewHistorySink(db)}

	n, err := persistence.NewSnapshotManager(db).Replay(ctx, applier, 0, 1000)
	if err != nil {
		return n, fmt.Errorf("rebuild history: %w", err)
	}
	logger.Info().Int("events", n).Msg("history rebuild complete")
	return n, nil
}
