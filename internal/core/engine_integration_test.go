package core_test

import (
	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ts(seq int64) time.Time {
	return time.UnixMicro(1_700_000_000_000_000 + seq*1000).UTC()
}

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(0, core.DefaultConfig(), persistChan, projChan, nil, nil, zerolog.Nop())
	return c, persistChan, projChan
}

func acquisition(id, asset, holder, amount, cost string, seq int64) *event.Acquisition {
	return &event.Acquisition{
		EventID:   id,
		Asset:     asset,
		Holder:    holder,
		Amount:    d(amount),
		CostUSD:   d(cost),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func disposal(id, asset, holder, amount, proceeds string, seq int64) *event.Disposal {
	return &event.Disposal{
		EventID:     id,
		Asset:       asset,
		Holder:      holder,
		Amount:      d(amount),
		ProceedsUSD: d(proceeds),
		Sequence:    seq,
		Timestamp:   ts(seq),
	}
}

func contribution(id, pool, holder, amount, usd string, seq int64) *event.Contribution {
	return &event.Contribution{
		EventID:   id,
		PoolID:    pool,
		Holder:    holder,
		Amount:    d(amount),
		AmountUSD: d(usd),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func withdrawal(id, pool, holder, amount, usd string, seq int64) *event.Withdrawal {
	return &event.Withdrawal{
		EventID:   id,
		PoolID:    pool,
		Holder:    holder,
		Amount:    d(amount),
		AmountUSD: d(usd),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func settlement(id, pool, asset, total string, seq int64) *event.PoolSettlementTrigger {
	return &event.PoolSettlementTrigger{
		EventID:               id,
		PoolID:                pool,
		TargetAsset:           asset,
		DistributedAssetTotal: d(total),
		Sequence:              seq,
		Timestamp:             ts(seq),
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) *core.ApplyResult {
	t.Helper()
	res, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
	return res
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

// ====================================================================
// Acquisition / disposal
// ====================================================================

func TestAcquisition_CreatesLotAndOutput(t *testing.T) {
	c, persistChan, projChan := newTestCore()

	res := mustProcess(t, c, acquisition("tx1:0", "ETH", "alice", "100", "1000", 1))
	if res.Sequence != 0 || res.LotIndex != 0 {
		t.Errorf("expected sequence 0 lot 0, got %d / %d", res.Sequence, res.LotIndex)
	}

	outputs := drain(persistChan)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	out := outputs[0]
	if len(out.Positions) != 1 || len(out.Lots) != 1 {
		t.Fatalf("expected 1 position and 1 lot, got %d / %d", len(out.Positions), len(out.Lots))
	}
	assertDecimal(t, "output balance", out.Positions[0].Balance, "100")
	assertDecimal(t, "output lot price", out.Lots[0].PricePerUnit, "10")
	if out.Envelope.PartitionKey != "position:ETH:alice" {
		t.Errorf("unexpected partition key %q", out.Envelope.PartitionKey)
	}
	if out.Envelope.StateHash != res.StateHash {
		t.Error("envelope hash differs from result hash")
	}

	if len(drain(projChan)) != 1 {
		t.Error("expected 1 projection output")
	}

	pos, ok := c.GetPosition("ETH", "alice")
	if !ok {
		t.Fatal("position not found")
	}
	assertDecimal(t, "total spent", pos.TotalSpentUSD, "1000")
	if !pos.FirstAcquiredAt.Equal(ts(1)) {
		t.Errorf("first acquired at %v, want %v", pos.FirstAcquiredAt, ts(1))
	}
}

func TestScenarioA_FIFODisposal(t *testing.T) {
	c, persistChan, _ := newTestCore()

	mustProcess(t, c, acquisition("a1", "ETH", "alice", "100", "1000", 1))
	mustProcess(t, c, acquisition("a2", "ETH", "alice", "50", "600", 2))
	res := mustProcess(t, c, disposal("d1", "ETH", "alice", "120", "1300", 3))

	if res.Disposal == nil {
		t.Fatal("expected disposal result")
	}
	assertDecimal(t, "cost consumed", res.Disposal.CostBasisConsumed, "1240")
	assertDecimal(t, "realized", res.Disposal.RealizedPnLUSD, "60")

	pos, _ := c.GetPosition("ETH", "alice")
	assertDecimal(t, "balance", pos.Balance, "30")
	assertDecimal(t, "cost basis", pos.TotalCostBasisUSD, "360")
	assertDecimal(t, "realized total", pos.RealizedPnLUSD, "60")

	lots := c.ListLots("ETH", "alice")
	if len(lots) != 2 || !lots[0].FullyConsumed {
		t.Fatalf("unexpected lots after disposal: %+v", lots)
	}
	assertDecimal(t, "lot1 amount", lots[1].Amount, "30")
	assertDecimal(t, "lot1 cost", lots[1].CostUSD, "360")

	outputs := drain(persistChan)
	last := outputs[len(outputs)-1]
	if len(last.Lots) != 2 {
		t.Errorf("disposal output should carry both touched lots, got %d", len(last.Lots))
	}
}

func TestDisposal_ShortPositionWarning(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, acquisition("a1", "ETH", "alice", "10", "100", 1))
	res := mustProcess(t, c, disposal("d1", "ETH", "alice", "15", "300", 2))

	if len(res.Warnings) != 1 || res.Warnings[0].Kind != state.WarningShortPosition {
		t.Fatalf("expected one ShortPosition warning, got %v", res.Warnings)
	}
	assertDecimal(t, "unmatched", res.Warnings[0].Unmatched, "5")

	pos, _ := c.GetPosition("ETH", "alice")
	if !pos.IsFlat() {
		t.Errorf("expected flat position, balance %s", pos.Balance)
	}
}

// ====================================================================
// Pools and settlement
// ====================================================================

func TestScenarioB_PoolSettlement(t *testing.T) {
	c, persistChan, _ := newTestCore()

	mustProcess(t, c, contribution("c1", "pool-1", "alice", "600", "1200", 1))
	mustProcess(t, c, contribution("c2", "pool-1", "bob", "400", "800", 2))
	res := mustProcess(t, c, settlement("s1", "pool-1", "TOKEN", "500", 3))

	if res.Settlement == nil || !res.Settlement.Applied {
		t.Fatal("expected applied settlement")
	}
	assertDecimal(t, "unallocated", res.Settlement.Unallocated, "0")

	alice, ok := c.GetPosition("TOKEN", "alice")
	if !ok {
		t.Fatal("alice position missing")
	}
	assertDecimal(t, "alice balance", alice.Balance, "300")
	assertDecimal(t, "alice cost", alice.TotalCostBasisUSD, "600")
	assertDecimal(t, "alice avg", alice.AverageCostPerUnit, "2")

	bob, _ := c.GetPosition("TOKEN", "bob")
	assertDecimal(t, "bob balance", bob.Balance, "200")
	assertDecimal(t, "bob cost", bob.TotalCostBasisUSD, "400")

	lots := c.ListLots("TOKEN", "alice")
	if len(lots) != 1 || lots[0].SourceKind != state.SourcePoolSettlement || lots[0].SourceRef != "pool-1" {
		t.Fatalf("unexpected settlement lots: %+v", lots)
	}

	pool, _ := c.GetPoolTotals("pool-1")
	if !pool.Settled || pool.TargetAssetID != "TOKEN" {
		t.Errorf("pool latch not set: %+v", pool)
	}
	assertDecimal(t, "distributed", pool.DistributedAssetTotal, "500")

	outputs := drain(persistChan)
	last := outputs[len(outputs)-1]
	if len(last.Positions) != 2 || len(last.Lots) != 2 || len(last.Pools) != 1 {
		t.Errorf("settlement output: %d positions, %d lots, %d pools",
			len(last.Positions), len(last.Lots), len(last.Pools))
	}
}

func TestSettlement_SecondTriggerIsNoOp(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, contribution("c1", "pool-1", "alice", "600", "1200", 1))
	mustProcess(t, c, settlement("s1", "pool-1", "TOKEN", "500", 2))
	hashAfterFirst := c.GetStateHash()

	// A distinct trigger id so the idempotency layer does not intercept it
	res := mustProcess(t, c, settlement("s2", "pool-1", "TOKEN", "900", 3))
	if res.Settlement.Applied {
		t.Error("second settlement should not apply")
	}
	if c.GetStateHash() == hashAfterFirst {
		t.Error("no-op settlement is still a logged event and should advance the chain")
	}

	pos, _ := c.GetPosition("TOKEN", "alice")
	assertDecimal(t, "balance", pos.Balance, "500")
	if n := len(c.ListLots("TOKEN", "alice")); n != 1 {
		t.Errorf("expected 1 lot, got %d", n)
	}
}

func TestContribution_AfterSettlementRejected(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, contribution("c1", "pool-1", "alice", "10", "10", 1))
	mustProcess(t, c, settlement("s1", "pool-1", "TOKEN", "10", 2))

	_, err := c.ProcessEvent(contribution("c2", "pool-1", "bob", "10", "10", 3))
	if !errors.Is(err, state.ErrPoolAlreadySettled) {
		t.Fatalf("expected ErrPoolAlreadySettled, got %v", err)
	}
	if _, ok := c.GetHolderContribution("pool-1", "bob"); ok {
		t.Error("rejected contribution must not create a holder record")
	}
}

func TestWithdrawal_ClampKeepsPoolConsistent(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, contribution("c1", "pool-1", "alice", "100", "100", 1))
	mustProcess(t, c, contribution("c2", "pool-1", "bob", "50", "50", 2))
	mustProcess(t, c, withdrawal("w1", "pool-1", "bob", "80", "80", 3))

	bob, _ := c.GetHolderContribution("pool-1", "bob")
	assertDecimal(t, "bob net", bob.NetContribution, "0")

	pool, _ := c.GetPoolTotals("pool-1")
	assertDecimal(t, "pool net", pool.TotalNetContribution, "100")
	assertDecimal(t, "pool usd", pool.TotalNetContributionUSD, "100")
}

// ====================================================================
// Delivery: dedup, ordering, rejection
// ====================================================================

func TestScenarioC_DuplicateDeliveryIgnored(t *testing.T) {
	c, persistChan, _ := newTestCore()

	mustProcess(t, c, acquisition("tx9:3", "ETH", "alice", "10", "100", 1))
	res := mustProcess(t, c, acquisition("tx9:3", "ETH", "alice", "10", "100", 1))

	if !res.Duplicate || res.Sequence != -1 {
		t.Errorf("expected duplicate result, got %+v", res)
	}
	if n := len(drain(persistChan)); n != 1 {
		t.Errorf("expected 1 persisted output, got %d", n)
	}
	pos, _ := c.GetPosition("ETH", "alice")
	assertDecimal(t, "balance", pos.Balance, "10")
	if c.GetSequence() != 1 {
		t.Errorf("sequence advanced on duplicate: %d", c.GetSequence())
	}
}

func TestEmptyIdempotencyKey_NotDeduped(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, acquisition("", "ETH", "alice", "10", "100", 1))
	mustProcess(t, c, acquisition("", "ETH", "alice", "10", "100", 2))

	pos, _ := c.GetPosition("ETH", "alice")
	assertDecimal(t, "balance", pos.Balance, "20")
}

func TestOutOfOrder_AppliedWithWarning(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, acquisition("a5", "ETH", "alice", "10", "100", 5))
	res := mustProcess(t, c, acquisition("a3", "ETH", "alice", "10", "200", 3))

	if len(res.Warnings) == 0 || res.Warnings[0].Kind != state.WarningOutOfOrder {
		t.Fatalf("expected OutOfOrder warning, got %v", res.Warnings)
	}
	if res.Warnings[0].Key != "position:ETH:alice" {
		t.Errorf("warning key %q", res.Warnings[0].Key)
	}
	pos, _ := c.GetPosition("ETH", "alice")
	assertDecimal(t, "balance", pos.Balance, "20")

	// Other partitions are unaffected
	res = mustProcess(t, c, acquisition("b1", "ETH", "bob", "1", "1", 1))
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings for bob: %v", res.Warnings)
	}
}

func TestRejectedEvent_LeavesStateUntouched(t *testing.T) {
	c, persistChan, _ := newTestCore()

	mustProcess(t, c, acquisition("a1", "ETH", "alice", "10", "100", 1))
	hash := c.GetStateHash()
	seq := c.GetSequence()

	tests := []event.Event{
		acquisition("bad1", "ETH", "alice", "0", "100", 2),
		acquisition("bad2", "ETH", "alice", "1.5", "100", 2),
		acquisition("bad3", "ETH", "alice", "1", "-1", 2),
		disposal("bad4", "ETH", "alice", "-3", "10", 2),
		contribution("bad5", "pool-1", "alice", "-1", "0", 2),
		contribution("bad6", "", "alice", "1", "1", 2),
	}
	for _, evt := range tests {
		if _, err := c.ProcessEvent(evt); err == nil {
			t.Errorf("%s %s: expected rejection", evt.EventType(), evt.IdempotencyKey())
		}
	}

	if c.GetStateHash() != hash || c.GetSequence() != seq {
		t.Error("rejections must not advance the chain")
	}
	if n := len(drain(persistChan)); n != 1 {
		t.Errorf("expected only the first output, got %d", n)
	}
	if _, ok := c.GetPoolTotals("pool-1"); ok {
		t.Error("rejected contribution created a pool")
	}

	// A rejected key is not remembered, so a corrected redelivery applies
	mustProcess(t, c, acquisition("bad1", "ETH", "alice", "5", "100", 2))
	pos, _ := c.GetPosition("ETH", "alice")
	assertDecimal(t, "balance", pos.Balance, "15")
}

// ====================================================================
// Hash chain and snapshots
// ====================================================================

func buildHistory(t *testing.T, c *core.DeterministicCore) {
	t.Helper()
	mustProcess(t, c, acquisition("a1", "ETH", "alice", "100", "1000", 1))
	mustProcess(t, c, acquisition("a2", "ETH", "alice", "50", "600", 2))
	mustProcess(t, c, contribution("c1", "pool-1", "alice", "600", "1200", 1))
	mustProcess(t, c, contribution("c2", "pool-1", "bob", "400", "800", 2))
	mustProcess(t, c, disposal("d1", "ETH", "alice", "120", "1300", 3))
	mustProcess(t, c, settlement("s1", "pool-1", "TOKEN", "500", 3))
	mustProcess(t, c, disposal("d2", "TOKEN", "bob", "50", "150", 1))
}

func TestStateHash_Deterministic(t *testing.T) {
	c1, _, _ := newTestCore()
	c2, _, _ := newTestCore()
	buildHistory(t, c1)
	buildHistory(t, c2)

	if c1.GetStateHash() != c2.GetStateHash() {
		t.Error("identical histories produced different hashes")
	}
	if c1.GetStateHash() == core.GenesisHash() {
		t.Error("hash did not move from genesis")
	}

	c3, _, _ := newTestCore()
	mustProcess(t, c3, acquisition("a1", "ETH", "alice", "100", "1001", 1))
	c4, _, _ := newTestCore()
	mustProcess(t, c4, acquisition("a1", "ETH", "alice", "100", "1000", 1))
	if c3.GetStateHash() == c4.GetStateHash() {
		t.Error("different costs produced the same hash")
	}
}

func TestSnapshot_RestoreResumesChain(t *testing.T) {
	c, _, _ := newTestCore()
	buildHistory(t, c)
	snap := c.CreateSnapshotState()

	restored, _, _ := newTestCore()
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetSequence() != c.GetSequence() || restored.GetStateHash() != c.GetStateHash() {
		t.Fatal("restored core does not match source")
	}

	// Both cores see the same next event
	next := disposal("d3", "ETH", "alice", "10", "200", 4)
	r1 := mustProcess(t, c, next)
	r2 := mustProcess(t, restored, next)
	if r1.StateHash != r2.StateHash {
		t.Error("hash diverged after restore")
	}
	assertDecimal(t, "realized after restore", r2.Disposal.RealizedPnLUSD, "80")

	// Dedup keys and sequence state survive
	dup := mustProcess(t, restored, acquisition("a1", "ETH", "alice", "100", "1000", 1))
	if !dup.Duplicate {
		t.Error("idempotency keys not restored")
	}
	res := mustProcess(t, restored, acquisition("a0", "ETH", "alice", "1", "1", 1))
	if len(res.Warnings) == 0 || res.Warnings[0].Kind != state.WarningOutOfOrder {
		t.Error("sequence state not restored")
	}

	// Settlement duplicate guard survives
	if !restored.Book().Lots.HasSettlementLot(state.PositionKey{Asset: "TOKEN", Holder: "alice"}, "pool-1") {
		t.Error("settlement lot index not restored")
	}
}

func TestRestoreFromSnapshot_RejectsNonEmptyCore(t *testing.T) {
	c, _, _ := newTestCore()
	buildHistory(t, c)
	if err := c.RestoreFromSnapshot(c.CreateSnapshotState()); err == nil {
		t.Error("expected error restoring into a populated core")
	}
}
