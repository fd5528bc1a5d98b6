package persistence_test

import (
	"context"
	"testing"
	"time"

	"LotLedger/internal/event"
	"LotLedger/internal/persistence"
	"LotLedger/internal/query"
	"LotLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_WriteReplayVerify(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	outs := produce(t,
		acquisition("a1", "alice", "50", "600", 1),
		acquisition("a2", "alice", "50", "1000", 2),
		&event.Disposal{EventID: "d1", Asset: "ETH", Holder: "alice",
			Amount: d("70"), ProceedsUSD: d("1300"), Sequence: 3, Timestamp: ts(3)},
	)
	batch := persistence.NewBatch(len(outs))
	for _, o := range outs {
		require.NoError(t, batch.Add(o))
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = persistence.NewLedgerWriter().WriteBatch(ctx, tx, batch)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Writing the same batch again is a no-op thanks to the sequence guards.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = persistence.NewLedgerWriter().WriteBatch(ctx, tx, batch)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	pos, err := query.NewQueryService(db).GetPosition(ctx, "ETH", "alice")
	require.NoError(t, err)
	assert.True(t, pos.Balance.Equal(d("30")))
	assert.True(t, pos.TotalCostBasisUSD.Equal(d("600")))
	assert.True(t, pos.RealizedPnLUSD.Equal(d("60")))

	report, err := query.NewQueryService(db).VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)

	fresh := newCore(nil)
	sm := persistence.NewSnapshotManager(db)
	n, err := sm.Replay(ctx, fresh, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, outs[2].Envelope.StateHash, fresh.GetStateHash())

	snap, _, err := sm.SaveSnapshot(ctx, fresh.CreateSnapshotState(), time.Now().UTC())
	require.NoError(t, err)
	verified, err := sm.VerifySnapshot(ctx, snap.Sequence)
	require.NoError(t, err)
	assert.True(t, verified)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.SnapshotID, loaded.SnapshotID)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("Acquisition", "a1")
	require.NoError(t, err)
	assert.True(t, dup)
}
