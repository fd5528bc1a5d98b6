package state

import (
	"fmt"
	"sort"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/shopspring/decimal"
)

// PoolTotals aggregates every holder's net contribution to a pool.
// Settled is a one-way latch: once set, the totals are frozen.
type PoolTotals struct {
	PoolID string

	TotalNetContribution    decimal.Decimal // base units
	TotalNetContributionUSD decimal.Decimal

	Settled               bool
	SettledAt             time.Time
	DistributedAssetTotal decimal.Decimal // base units
	TargetAssetID         string

	Version int64
}

// PartitionKey is the ordering partition of pool events
func (p *PoolTotals) PartitionKey() string {
	return PoolPartitionKey(p.PoolID)
}

// PoolPartitionKey builds the partition key of a pool
func PoolPartitionKey(poolID string) string {
	return "pool:" + poolID
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *PoolTotals) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendString(buf, p.PoolID)
	buf = appendDecimal(buf, p.TotalNetContribution)
	buf = appendDecimal(buf, p.TotalNetContributionUSD)
	if p.Settled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, timeMicros(p.SettledAt))
	buf = appendDecimal(buf, p.DistributedAssetTotal)
	buf = appendString(buf, p.TargetAssetID)
	buf = appendInt64LE(buf, p.Version)
	return buf
}

// HolderContribution is one holder's net position in a pool
type HolderContribution struct {
	PoolID string
	Holder string

	NetContribution    decimal.Decimal // base units, never negative
	NetContributionUSD decimal.Decimal // never negative

	Version int64
}

// CanonicalBytes returns deterministic serialization for hashing
func (h *HolderContribution) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = appendString(buf, h.PoolID)
	buf = appendString(buf, h.Holder)
	buf = appendDecimal(buf, h.NetContribution)
	buf = appendDecimal(buf, h.NetContributionUSD)
	buf = appendInt64LE(buf, h.Version)
	return buf
}

// PoolManager manages pool totals and per-holder contributions.
// Not thread-safe: only the deterministic core goroutine touches it.
type PoolManager struct {
	pools         map[string]*PoolTotals
	contributions map[string]map[string]*HolderContribution
}

func NewPoolManager() *PoolManager {
	return &PoolManager{
		pools:         make(map[string]*PoolTotals),
		contributions: make(map[string]map[string]*HolderContribution),
	}
}

// GetPool returns a pool or nil
func (m *PoolManager) GetPool(poolID string) *PoolTotals {
	return m.pools[poolID]
}

// GetOrCreatePool returns a pool, creating an empty unsettled one if needed
func (m *PoolManager) GetOrCreatePool(poolID string) *PoolTotals {
	if p, ok := m.pools[poolID]; ok {
		return p
	}
	p := &PoolTotals{
		PoolID:                  poolID,
		TotalNetContribution:    decimal.Zero,
		TotalNetContributionUSD: decimal.Zero,
		DistributedAssetTotal:   decimal.Zero,
	}
	m.pools[poolID] = p
	return p
}

// GetContribution returns a holder's contribution or nil
func (m *PoolManager) GetContribution(poolID, holder string) *HolderContribution {
	return m.contributions[poolID][holder]
}

func (m *PoolManager) getOrCreateContribution(poolID, holder string) *HolderContribution {
	byHolder := m.contributions[poolID]
	if byHolder == nil {
		byHolder = make(map[string]*HolderContribution)
		m.contributions[poolID] = byHolder
	}
	if c, ok := byHolder[holder]; ok {
		return c
	}
	c := &HolderContribution{
		PoolID:             poolID,
		Holder:             holder,
		NetContribution:    decimal.Zero,
		NetContributionUSD: decimal.Zero,
	}
	byHolder[holder] = c
	return c
}

func validatePoolAmounts(op string, amount, amountUSD decimal.Decimal) error {
	if amount.Sign() <= 0 || !fpmath.IsBaseUnits(amount) {
		return fmt.Errorf("%s amount=%s: %w", op, amount, ErrInvalidAmount)
	}
	if amountUSD.Sign() < 0 {
		return fmt.Errorf("%s amount_usd=%s: %w", op, amountUSD, ErrInvalidAmount)
	}
	return nil
}

// Contribute adds to a holder's and the pool's net contribution.
func (m *PoolManager) Contribute(poolID, holder string, amount, amountUSD decimal.Decimal) (*PoolTotals, *HolderContribution, error) {
	if err := validatePoolAmounts("contribution", amount, amountUSD); err != nil {
		return nil, nil, err
	}
	if p := m.pools[poolID]; p != nil && p.Settled {
		return nil, nil, fmt.Errorf("contribution to pool %s: %w", poolID, ErrPoolAlreadySettled)
	}

	pool := m.GetOrCreatePool(poolID)
	c := m.getOrCreateContribution(poolID, holder)

	c.NetContribution = c.NetContribution.Add(amount)
	c.NetContributionUSD = c.NetContributionUSD.Add(amountUSD)
	c.Version++

	pool.TotalNetContribution = pool.TotalNetContribution.Add(amount)
	pool.TotalNetContributionUSD = pool.TotalNetContributionUSD.Add(amountUSD)
	pool.Version++

	return pool, c, nil
}

// Withdraw subtracts from a holder's net contribution, clamped at zero.
// The pool totals drop by what was actually removed from the holder, so
// TotalNetContribution always equals the sum over holders.
func (m *PoolManager) Withdraw(poolID, holder string, amount, amountUSD decimal.Decimal) (*PoolTotals, *HolderContribution, error) {
	if err := validatePoolAmounts("withdrawal", amount, amountUSD); err != nil {
		return nil, nil, err
	}
	if p := m.pools[poolID]; p != nil && p.Settled {
		return nil, nil, fmt.Errorf("withdrawal from pool %s: %w", poolID, ErrPoolAlreadySettled)
	}

	pool := m.GetOrCreatePool(poolID)
	c := m.getOrCreateContribution(poolID, holder)

	var removed, removedUSD decimal.Decimal
	c.NetContribution, removed = fpmath.ClampedSub(c.NetContribution, amount)
	c.NetContributionUSD, removedUSD = fpmath.ClampedSub(c.NetContributionUSD, amountUSD)
	c.Version++

	pool.TotalNetContribution, _ = fpmath.ClampedSub(pool.TotalNetContribution, removed)
	pool.TotalNetContributionUSD, _ = fpmath.ClampedSub(pool.TotalNetContributionUSD, removedUSD)
	pool.Version++

	return pool, c, nil
}

// Holders returns the pool's contributions sorted by holder
func (m *PoolManager) Holders(poolID string) []*HolderContribution {
	byHolder := m.contributions[poolID]
	out := make([]*HolderContribution, 0, len(byHolder))
	for _, c := range byHolder {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Holder < out[j].Holder
	})
	return out
}

// GetAllPools returns all pools sorted by id
func (m *PoolManager) GetAllPools() []*PoolTotals {
	out := make([]*PoolTotals, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PoolID < out[j].PoolID
	})
	return out
}

// SetPool installs a pool (used during snapshot restore)
func (m *PoolManager) SetPool(p *PoolTotals) {
	m.pools[p.PoolID] = p
}

// SetContribution installs a contribution (used during snapshot restore)
func (m *PoolManager) SetContribution(c *HolderContribution) {
	byHolder := m.contributions[c.PoolID]
	if byHolder == nil {
		byHolder = make(map[string]*HolderContribution)
		m.contributions[c.PoolID] = byHolder
	}
	byHolder[c.Holder] = c
}
