package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the requested entity has never been persisted
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the persisted ledger tables.
// Responses carry as_of_sequence: the last event the persistence worker wrote.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns one position.
func (qs *QueryService) GetPosition(ctx context.Context, asset, holder string) (*PositionResponse, error) {
	var (
		p              PositionResponse
		first, updated sql.NullTime
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT asset, holder, balance, total_cost_basis_usd, average_cost_per_unit, realized_pnl_usd,
		       total_acquired, total_disposed, total_spent_usd, total_received_usd,
		       first_acquired_at, last_updated_at, next_lot_index, first_open_lot, version, last_sequence
		FROM ledger.positions
		WHERE asset = $1 AND holder = $2
	`, asset, holder).Scan(
		&p.Asset, &p.Holder, &p.Balance, &p.TotalCostBasisUSD, &p.AverageCostPerUnit, &p.RealizedPnLUSD,
		&p.TotalAcquired, &p.TotalDisposed, &p.TotalSpentUSD, &p.TotalReceivedUSD,
		&first, &updated, &p.NextLotIndex, &p.FirstOpenLot, &p.Version, &p.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", asset, holder, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.FirstAcquiredAt = timePtr(first)
	p.LastUpdatedAt = timePtr(updated)
	return &p, nil
}

// ListLots returns a position's lots ordered by index. Consumed lots are
// skipped unless includeConsumed is set.
func (qs *QueryService) ListLots(ctx context.Context, asset, holder string, includeConsumed bool) (*LotsResponse, error) {
	asOf, err := qs.persistedSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT lot_index, amount, original_amount, cost_usd, original_cost_usd,
		       price_per_unit, source_kind, source_ref, created_at, fully_consumed
		FROM ledger.lots
		WHERE asset = $1 AND holder = $2 AND ($3 OR NOT fully_consumed)
		ORDER BY lot_index ASC
	`, asset, holder, includeConsumed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &LotsResponse{Asset: asset, Holder: holder, Lots: []LotResponse{}, AsOfSequence: asOf}
	for rows.Next() {
		var l LotResponse
		if err := rows.Scan(
			&l.LotIndex, &l.Amount, &l.OriginalAmount, &l.CostUSD, &l.OriginalCostUSD,
			&l.PricePerUnit, &l.SourceKind, &l.SourceRef, &l.CreatedAt, &l.FullyConsumed,
		); err != nil {
			return nil, err
		}
		resp.Lots = append(resp.Lots, l)
	}
	return resp, rows.Err()
}

// GetPool returns a pool's totals and its holders ordered by holder.
func (qs *QueryService) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	asOf, err := qs.persistedSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		p         PoolResponse
		settledAt sql.NullTime
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_id, total_net_contribution, total_net_contribution_usd, settled, settled_at,
		       distributed_asset_total, target_asset_id
		FROM ledger.pools
		WHERE pool_id = $1
	`, poolID).Scan(
		&p.PoolID, &p.TotalNetContribution, &p.TotalNetContributionUSD, &p.Settled, &settledAt,
		&p.DistributedAssetTotal, &p.TargetAssetID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.SettledAt = timePtr(settledAt)
	p.AsOfSequence = asOf

	rows, err := qs.db.QueryContext(ctx, `
		SELECT holder, net_contribution, net_contribution_usd
		FROM ledger.holder_contributions
		WHERE pool_id = $1
		ORDER BY holder
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Holders = []ContributionResponse{}
	for rows.Next() {
		var c ContributionResponse
		if err := rows.Scan(&c.Holder, &c.NetContribution, &c.NetContributionUSD); err != nil {
			return nil, err
		}
		p.Holders = append(p.Holders, c)
	}
	return &p, rows.Err()
}

// GetDisposalHistory returns realized P&L records newest first. Pass the last
// sequence seen as beforeSequence to page.
func (qs *QueryService) GetDisposalHistory(
	ctx context.Context,
	asset, holder string,
	limit int,
	beforeSequence *int64,
) ([]DisposalHistoryEntry, error) {
	query := `
		SELECT sequence, quantity, proceeds_usd, cost_basis_consumed, realized_pnl_usd,
		       unmatched, lots_touched, disposed_at
		FROM ledger.disposals
		WHERE asset = $1 AND holder = $2
	`
	args := []any{asset, holder}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []DisposalHistoryEntry
	for rows.Next() {
		var h DisposalHistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.Quantity, &h.ProceedsUSD, &h.CostBasisConsumed, &h.RealizedPnLUSD,
			&h.Unmatched, &h.LotsTouched, &h.DisposedAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// --- Admin ---

// VerifyIntegrity checks the hash chain and the lot-sum and pool-sum
// invariants of the persisted tables.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM ledger.events e1
		JOIN ledger.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lotRows, err := qs.db.QueryContext(ctx, `
		SELECT p.asset, p.holder, p.balance, COALESCE(SUM(l.amount) FILTER (WHERE NOT l.fully_consumed), 0)
		FROM ledger.positions p
		LEFT JOIN ledger.lots l ON l.asset = p.asset AND l.holder = p.holder
		GROUP BY p.asset, p.holder, p.balance
		HAVING p.balance <> COALESCE(SUM(l.amount) FILTER (WHERE NOT l.fully_consumed), 0)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer lotRows.Close()
	for lotRows.Next() {
		var m LotSumMismatch
		if err := lotRows.Scan(&m.Asset, &m.Holder, &m.Balance, &m.LotSum); err != nil {
			return nil, err
		}
		report.LotSumMismatch = append(report.LotSumMismatch, m)
	}
	if err := lotRows.Err(); err != nil {
		return nil, err
	}

	poolRows, err := qs.db.QueryContext(ctx, `
		SELECT p.pool_id
		FROM ledger.pools p
		LEFT JOIN ledger.holder_contributions c ON c.pool_id = p.pool_id
		GROUP BY p.pool_id, p.total_net_contribution
		HAVING p.total_net_contribution <> COALESCE(SUM(c.net_contribution), 0)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer poolRows.Close()
	for poolRows.Next() {
		var id string
		if err := poolRows.Scan(&id); err != nil {
			return nil, err
		}
		report.PoolSumMismatch = append(report.PoolSumMismatch, id)
	}
	if err := poolRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.LotSumMismatch) == 0 &&
		len(report.PoolSumMismatch) == 0
	return report, nil
}

// --- helpers ---

// persistedSequence returns the last sequence in the event log, or -1
func (qs *QueryService) persistedSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
