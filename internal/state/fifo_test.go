package state_test

import (
	"LotLedger/internal/state"
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// ==========================================================================
// Aggregator
// ==========================================================================

func TestRecompute_Idempotent(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "100", "1000", 0)
	mustAcquire(t, b, "ETH", "alice", "50", "600", 1)
	if _, _, _, err := b.Dispose("ETH", "alice", d("120"), d("1300"), ts(2)); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	b.Aggregator.Recompute(pos)
	first := pos.CanonicalBytes()
	b.Aggregator.Recompute(pos)
	second := pos.CanonicalBytes()

	if !bytes.Equal(first, second) {
		t.Error("recompute is not idempotent")
	}
}

func TestRecompute_AdvancesFirstOpenLot(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "10", "100", 0)
	mustAcquire(t, b, "ETH", "alice", "10", "100", 1)
	mustAcquire(t, b, "ETH", "alice", "10", "100", 2)

	if _, _, _, err := b.Dispose("ETH", "alice", d("25"), d("300"), ts(3)); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if pos.FirstOpenLot != 2 {
		t.Errorf("FirstOpenLot: got %d, want 2", pos.FirstOpenLot)
	}

	if _, _, _, err := b.Dispose("ETH", "alice", d("5"), d("60"), ts(4)); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if pos.FirstOpenLot != 3 {
		t.Errorf("FirstOpenLot after flattening: got %d, want 3", pos.FirstOpenLot)
	}
	if !pos.IsFlat() {
		t.Errorf("expected flat position, balance %s", pos.Balance)
	}
	assertDecimal(t, "average cost on flat", pos.AverageCostPerUnit, "0")
}

func TestRecompute_ScanCapWritesPartialSums(t *testing.T) {
	b := state.NewBook(2, state.DefaultSettlementCostRatio)
	pos := mustAcquire(t, b, "ETH", "alice", "1", "10", 0)
	mustAcquire(t, b, "ETH", "alice", "1", "10", 1)

	_, _, warnings, err := b.Acquire("ETH", "alice", d("1"), d("10"), "", ts(2))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != state.WarningLotScanExhausted {
		t.Fatalf("expected one LotScanExhausted warning, got %v", warnings)
	}
	if !errors.Is(warnings[0], state.ErrLotScanExhausted) {
		t.Error("warning does not unwrap to ErrLotScanExhausted")
	}
	assertDecimal(t, "partial balance", pos.Balance, "2")
	assertDecimal(t, "partial cost", pos.TotalCostBasisUSD, "20")
}

// ==========================================================================
// FIFO disposal
// ==========================================================================

func TestDispose_FIFOScenario(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "100", "1000", 0)
	mustAcquire(t, b, "ETH", "alice", "50", "600", 1)

	_, res, warnings, err := b.Dispose("ETH", "alice", d("120"), d("1300"), ts(2))
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	assertDecimal(t, "cost basis consumed", res.CostBasisConsumed, "1240")
	assertDecimal(t, "realized", res.RealizedPnLUSD, "60")
	assertDecimal(t, "position realized", pos.RealizedPnLUSD, "60")
	assertDecimal(t, "balance", pos.Balance, "30")
	assertDecimal(t, "cost basis", pos.TotalCostBasisUSD, "360")
	assertDecimal(t, "average cost", pos.AverageCostPerUnit, "12")
	assertDecimal(t, "total disposed", pos.TotalDisposed, "120")
	assertDecimal(t, "total received", pos.TotalReceivedUSD, "1300")

	lots := b.Lots.CopyLots(pos.Key())
	if !lots[0].FullyConsumed {
		t.Error("lot 0 should be fully consumed")
	}
	assertDecimal(t, "lot1 amount", lots[1].Amount, "30")
	assertDecimal(t, "lot1 cost", lots[1].CostUSD, "360")

	if len(res.Consumptions) != 2 {
		t.Fatalf("consumptions: got %d, want 2", len(res.Consumptions))
	}
	if !res.Consumptions[0].Full || res.Consumptions[1].Full {
		t.Errorf("consumption flags: %+v", res.Consumptions)
	}
	assertDecimal(t, "partial take", res.Consumptions[1].Amount, "20")
	assertDecimal(t, "partial cost", res.Consumptions[1].CostUSD, "240")
}

func TestDispose_NeverTouchesLaterLotWhileEarlierOpen(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "10", "100", 0)
	mustAcquire(t, b, "ETH", "alice", "10", "200", 1)

	for i := int64(0); i < 9; i++ {
		if _, _, _, err := b.Dispose("ETH", "alice", d("1"), d("15"), ts(2+i)); err != nil {
			t.Fatalf("dispose: %v", err)
		}
		lots := b.Lots.CopyLots(pos.Key())
		if !lots[1].Amount.Equal(lots[1].OriginalAmount) {
			t.Fatalf("lot 1 touched while lot 0 holds %s", lots[0].Amount)
		}
	}
}

func TestDispose_ShortPosition(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "10", "100", 0)

	_, res, warnings, err := b.Dispose("ETH", "alice", d("15"), d("300"), ts(1))
	if err != nil {
		t.Fatalf("short disposal must not fail: %v", err)
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], state.ErrShortPosition) {
		t.Fatalf("expected ShortPosition warning, got %v", warnings)
	}
	assertDecimal(t, "unmatched", res.Unmatched, "5")
	assertDecimal(t, "warning unmatched", warnings[0].Unmatched, "5")
	assertDecimal(t, "cost basis consumed", res.CostBasisConsumed, "100")
	assertDecimal(t, "realized", pos.RealizedPnLUSD, "200")
	assertDecimal(t, "balance", pos.Balance, "0")
	assertDecimal(t, "total disposed", pos.TotalDisposed, "15")
}

func TestDispose_UnknownPositionIsShort(t *testing.T) {
	b := newTestBook()

	pos, res, warnings, err := b.Dispose("ETH", "bob", d("3"), d("30"), ts(0))
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != state.WarningShortPosition {
		t.Fatalf("expected ShortPosition warning, got %v", warnings)
	}
	assertDecimal(t, "cost basis consumed", res.CostBasisConsumed, "0")
	assertDecimal(t, "realized", pos.RealizedPnLUSD, "30")
}

func TestDispose_ScanCapStopsWalk(t *testing.T) {
	b := state.NewBook(2, state.DefaultSettlementCostRatio)
	pos := mustAcquire(t, b, "ETH", "alice", "1", "10", 0)
	mustAcquire(t, b, "ETH", "alice", "1", "10", 1)

	// The third lot is out of reach of a single walk.
	b.Acquire("ETH", "alice", d("1"), d("10"), "", ts(2))

	_, res, warnings, err := b.Dispose("ETH", "alice", d("3"), d("30"), ts(3))
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}

	found := false
	for _, w := range warnings {
		if w.Kind == state.WarningLotScanExhausted && w.Unmatched.Equal(d("1")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected LotScanExhausted warning with 1 unmatched, got %v", warnings)
	}
	assertDecimal(t, "cost basis consumed", res.CostBasisConsumed, "20")
	if pos.FirstOpenLot != 2 {
		t.Errorf("FirstOpenLot: got %d, want 2", pos.FirstOpenLot)
	}
	assertDecimal(t, "balance", pos.Balance, "1")
}

func TestDispose_RejectsInvalidAmounts(t *testing.T) {
	b := newTestBook()
	pos := mustAcquire(t, b, "ETH", "alice", "10", "100", 0)
	before := pos.CanonicalBytes()

	for _, tc := range []struct{ q, proceeds string }{
		{"0", "10"},
		{"-1", "10"},
		{"0.5", "10"},
		{"1", "-1"},
	} {
		if _, _, _, err := b.Dispose("ETH", "alice", d(tc.q), d(tc.proceeds), ts(1)); !errors.Is(err, state.ErrInvalidAmount) {
			t.Errorf("q=%s proceeds=%s: expected ErrInvalidAmount, got %v", tc.q, tc.proceeds, err)
		}
	}
	if !bytes.Equal(before, pos.CanonicalBytes()) {
		t.Error("rejected disposal mutated the position")
	}
}

// ==========================================================================
// Properties
// ==========================================================================

func TestProperties_RandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newTestBook()

	spent := decimal.Zero
	received := decimal.Zero
	realized := decimal.Zero

	for i := int64(0); i < 500; i++ {
		if rng.Intn(3) != 0 {
			amount := decimal.NewFromInt(int64(rng.Intn(1000) + 1))
			cost := decimal.NewFromInt(int64(rng.Intn(100_000))).Shift(-2)
			if _, _, _, err := b.Acquire("ETH", "alice", amount, cost, "", ts(i)); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			spent = spent.Add(cost)
			continue
		}

		pos := b.Positions.GetPosition("ETH", "alice")
		if pos == nil || pos.Balance.Sign() == 0 {
			continue
		}
		q := decimal.NewFromInt(rng.Int63n(pos.Balance.IntPart()) + 1)
		proceeds := decimal.NewFromInt(int64(rng.Intn(100_000))).Shift(-2)
		_, res, warnings, err := b.Dispose("ETH", "alice", q, proceeds, ts(i))
		if err != nil {
			t.Fatalf("dispose: %v", err)
		}
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
		received = received.Add(proceeds)
		realized = realized.Add(res.RealizedPnLUSD)
	}

	pos := b.Positions.GetPosition("ETH", "alice")
	assertLotSums(t, b, pos)

	if !pos.Balance.Equal(pos.TotalAcquired.Sub(pos.TotalDisposed)) {
		t.Errorf("balance conservation: %s != %s - %s", pos.Balance, pos.TotalAcquired, pos.TotalDisposed)
	}
	if !pos.RealizedPnLUSD.Equal(realized) {
		t.Errorf("realized accumulator %s != sum of results %s", pos.RealizedPnLUSD, realized)
	}

	// Everything spent is either still carried as cost basis or was released
	// against proceeds.
	released := received.Sub(pos.RealizedPnLUSD)
	if !spent.Equal(released.Add(pos.TotalCostBasisUSD)) {
		t.Errorf("cost closure: spent %s != released %s + carried %s", spent, released, pos.TotalCostBasisUSD)
	}
}
