package persistence

import (
	"LotLedger/internal/core"
	"LotLedger/internal/ingestion"
	"LotLedger/internal/state"
	"fmt"
	"sort"
	"time"
)

// Batch accumulates core outputs between flushes. Entities are compacted to
// their latest version so one multi-row upsert never touches a key twice.
type Batch struct {
	events        []EventRow
	positions     map[state.PositionKey]PositionRow
	lots          map[lotKey]LotRow
	pools         map[string]PoolRow
	contributions map[contributionKey]ContributionRow

	// openedAt is when the oldest output in the batch arrived
	openedAt time.Time
}

type lotKey struct {
	position state.PositionKey
	index    int64
}

type contributionKey struct {
	poolID string
	holder string
}

func NewBatch(capacity int) *Batch {
	return &Batch{
		events:        make([]EventRow, 0, capacity),
		positions:     make(map[state.PositionKey]PositionRow),
		lots:          make(map[lotKey]LotRow),
		pools:         make(map[string]PoolRow),
		contributions: make(map[contributionKey]ContributionRow),
	}
}

// Add converts one core output into rows. The event payload is the JSON wire
// form, so the log can be replayed through the ingestion parser.
func (b *Batch) Add(out core.CoreOutput) error {
	env := out.Envelope
	if env == nil {
		return fmt.Errorf("core output without envelope")
	}

	payload := env.Payload
	if payload == nil {
		encoded, err := ingestion.EncodeEvent(out.Event)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", env.Sequence, err)
		}
		payload = encoded
	}

	if len(b.events) == 0 {
		b.openedAt = time.Now()
	}
	b.events = append(b.events, EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PartitionKey:   env.PartitionKey,
		Payload:        payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	})

	for _, p := range out.Positions {
		b.positions[p.Key()] = PositionRow{Position: p, LastSequence: env.Sequence}
	}
	for _, l := range out.Lots {
		k := lotKey{position: state.PositionKey{Asset: l.Asset, Holder: l.Holder}, index: l.LotIndex}
		b.lots[k] = LotRow{Lot: l, LastSequence: env.Sequence}
	}
	for _, p := range out.Pools {
		b.pools[p.PoolID] = PoolRow{Pool: p, LastSequence: env.Sequence}
	}
	for _, c := range out.Contributions {
		b.contributions[contributionKey{c.PoolID, c.Holder}] = ContributionRow{Contribution: c, LastSequence: env.Sequence}
	}
	return nil
}

func (b *Batch) Len() int {
	return len(b.events)
}

func (b *Batch) Reset() {
	b.events = b.events[:0]
	b.openedAt = time.Time{}
	clear(b.positions)
	clear(b.lots)
	clear(b.pools)
	clear(b.contributions)
}

func (b *Batch) Events() []EventRow {
	return b.events
}

// LastSequence returns the highest sequence in the batch, or -1 when empty
func (b *Batch) LastSequence() int64 {
	if len(b.events) == 0 {
		return -1
	}
	return b.events[len(b.events)-1].Sequence
}

func (b *Batch) Positions() []PositionRow {
	out := make([]PositionRow, 0, len(b.positions))
	for _, r := range b.positions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position.Asset != out[j].Position.Asset {
			return out[i].Position.Asset < out[j].Position.Asset
		}
		return out[i].Position.Holder < out[j].Position.Holder
	})
	return out
}

func (b *Batch) Lots() []LotRow {
	out := make([]LotRow, 0, len(b.lots))
	for _, r := range b.lots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].Lot, out[j].Lot
		if li.Asset != lj.Asset {
			return li.Asset < lj.Asset
		}
		if li.Holder != lj.Holder {
			return li.Holder < lj.Holder
		}
		return li.LotIndex < lj.LotIndex
	})
	return out
}

func (b *Batch) Pools() []PoolRow {
	out := make([]PoolRow, 0, len(b.pools))
	for _, r := range b.pools {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool.PoolID < out[j].Pool.PoolID })
	return out
}

func (b *Batch) Contributions() []ContributionRow {
	out := make([]ContributionRow, 0, len(b.contributions))
	for _, r := range b.contributions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Contribution, out[j].Contribution
		if ci.PoolID != cj.PoolID {
			return ci.PoolID < cj.PoolID
		}
		return ci.Holder < cj.Holder
	})
	return out
}

// TouchedPositions lists every position key written by the batch
func (b *Batch) TouchedPositions() []state.PositionKey {
	rows := b.Positions()
	out := make([]state.PositionKey, len(rows))
	for i, r := range rows {
		out[i] = r.Position.Key()
	}
	return out
}

// TouchedPools lists every pool id written by the batch, including pools that
// only saw contribution changes
func (b *Batch) TouchedPools() []string {
	seen := make(map[string]struct{}, len(b.pools))
	for id := range b.pools {
		seen[id] = struct{}{}
	}
	for k := range b.contributions {
		seen[k.poolID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
