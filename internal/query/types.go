package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionResponse is the persisted state of one (asset, holder) position.
type PositionResponse struct {
	Asset              string          `json:"asset"`
	Holder             string          `json:"holder"`
	Balance            decimal.Decimal `json:"balance"`
	TotalCostBasisUSD  decimal.Decimal `json:"total_cost_basis_usd"`
	AverageCostPerUnit decimal.Decimal `json:"average_cost_per_unit"`
	RealizedPnLUSD     decimal.Decimal `json:"realized_pnl_usd"`
	TotalAcquired      decimal.Decimal `json:"total_acquired"`
	TotalDisposed      decimal.Decimal `json:"total_disposed"`
	TotalSpentUSD      decimal.Decimal `json:"total_spent_usd"`
	TotalReceivedUSD   decimal.Decimal `json:"total_received_usd"`
	FirstAcquiredAt    *time.Time      `json:"first_acquired_at,omitempty"`
	LastUpdatedAt      *time.Time      `json:"last_updated_at,omitempty"`
	NextLotIndex       int64           `json:"next_lot_index"`
	FirstOpenLot       int64           `json:"first_open_lot"`
	Version            int64           `json:"version"`
	LastSequence       int64           `json:"last_sequence"`
}

// LotResponse is one acquisition lot.
type LotResponse struct {
	LotIndex        int64           `json:"lot_index"`
	Amount          decimal.Decimal `json:"amount"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	CostUSD         decimal.Decimal `json:"cost_usd"`
	OriginalCostUSD decimal.Decimal `json:"original_cost_usd"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	SourceKind      string          `json:"source_kind"`
	SourceRef       string          `json:"source_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FullyConsumed   bool            `json:"fully_consumed"`
}

// LotsResponse lists a position's lots in FIFO order.
type LotsResponse struct {
	Asset        string        `json:"asset"`
	Holder       string        `json:"holder"`
	Lots         []LotResponse `json:"lots"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// ContributionResponse is one holder's net contribution to a pool.
type ContributionResponse struct {
	Holder             string          `json:"holder"`
	NetContribution    decimal.Decimal `json:"net_contribution"`
	NetContributionUSD decimal.Decimal `json:"net_contribution_usd"`
}

// PoolResponse is a pool's totals and contributors.
type PoolResponse struct {
	PoolID                  string                 `json:"pool_id"`
	TotalNetContribution    decimal.Decimal        `json:"total_net_contribution"`
	TotalNetContributionUSD decimal.Decimal        `json:"total_net_contribution_usd"`
	Settled                 bool                   `json:"settled"`
	SettledAt               *time.Time             `json:"settled_at,omitempty"`
	DistributedAssetTotal   decimal.Decimal        `json:"distributed_asset_total"`
	TargetAssetID           string                 `json:"target_asset_id,omitempty"`
	Holders                 []ContributionResponse `json:"holders"`
	AsOfSequence            int64                  `json:"as_of_sequence"`
}

// DisposalHistoryEntry is one realized P&L record.
type DisposalHistoryEntry struct {
	Sequence          int64           `json:"sequence"`
	Quantity          decimal.Decimal `json:"quantity"`
	ProceedsUSD       decimal.Decimal `json:"proceeds_usd"`
	CostBasisConsumed decimal.Decimal `json:"cost_basis_consumed"`
	RealizedPnLUSD    decimal.Decimal `json:"realized_pnl_usd"`
	Unmatched         decimal.Decimal `json:"unmatched"`
	LotsTouched       int             `json:"lots_touched"`
	DisposedAt        time.Time       `json:"disposed_at"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	LotSumMismatch  []LotSumMismatch `json:"lot_sum_mismatch,omitempty"`
	PoolSumMismatch []string         `json:"pool_sum_mismatch,omitempty"`
}

// LotSumMismatch is a position whose balance differs from its open lots.
type LotSumMismatch struct {
	Asset   string          `json:"asset"`
	Holder  string          `json:"holder"`
	Balance decimal.Decimal `json:"balance"`
	LotSum  decimal.Decimal `json:"lot_sum"`
}
