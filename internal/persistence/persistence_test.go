package persistence_test

import (
	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/persistence"
	"LotLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ts(n int64) time.Time {
	return time.UnixMicro(1_700_000_000_000_000 + n*1000).UTC()
}

func newCore(persist chan core.CoreOutput) *core.DeterministicCore {
	return core.NewDeterministicCore(0, core.DefaultConfig(), persist, nil, nil, nil, zerolog.Nop())
}

func acquisition(id, holder, amount, cost string, seq int64) *event.Acquisition {
	return &event.Acquisition{
		EventID: id, Asset: "ETH", Holder: holder,
		Amount: d(amount), CostUSD: d(cost),
		Sequence: seq, Timestamp: ts(seq),
	}
}

// produce runs events through a real core and returns its persist outputs
func produce(t *testing.T, events ...event.Event) []core.CoreOutput {
	t.Helper()
	ch := make(chan core.CoreOutput, len(events))
	c := newCore(ch)
	for _, evt := range events {
		_, err := c.ProcessEvent(evt)
		require.NoError(t, err)
	}
	close(ch)
	var outs []core.CoreOutput
	for o := range ch {
		outs = append(outs, o)
	}
	return outs
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var eventColumns = []string{
	"sequence", "event_type", "idempotency_key", "partition_key", "payload",
	"state_hash", "prev_hash", "timestamp", "source_sequence",
}

func eventRows(batch *persistence.Batch) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumns)
	for _, e := range batch.Events() {
		rows.AddRow(e.Sequence, e.EventType, e.IdempotencyKey, e.PartitionKey, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence)
	}
	return rows
}

// --- Batch ---

func TestBatch_CompactsEntitiesToLatestVersion(t *testing.T) {
	outs := produce(t,
		acquisition("a1", "alice", "10", "100", 1),
		acquisition("a2", "alice", "5", "100", 2),
		acquisition("b1", "bob", "1", "1", 1),
	)

	batch := persistence.NewBatch(8)
	for _, o := range outs {
		require.NoError(t, batch.Add(o))
	}

	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, int64(2), batch.LastSequence())

	positions := batch.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "alice", positions[0].Position.Holder)
	assert.True(t, positions[0].Position.Balance.Equal(d("15")))
	assert.Equal(t, int64(1), positions[0].LastSequence)

	lots := batch.Lots()
	require.Len(t, lots, 3)
	assert.Equal(t, int64(0), lots[0].Lot.LotIndex)
	assert.Equal(t, int64(1), lots[1].Lot.LotIndex)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(batch.Events()[0].Payload, &payload))
	assert.Equal(t, "a1", payload["event_id"])

	assert.Equal(t, []state.PositionKey{{Asset: "ETH", Holder: "alice"}, {Asset: "ETH", Holder: "bob"}},
		batch.TouchedPositions())

	batch.Reset()
	assert.Equal(t, 0, batch.Len())
	assert.Empty(t, batch.Positions())
}

func TestBatch_TouchedPoolsIncludesContributionOnlyPools(t *testing.T) {
	outs := produce(t, &event.Contribution{
		EventID: "c1", PoolID: "pool-1", Holder: "alice",
		Amount: d("10"), AmountUSD: d("10"), Sequence: 1, Timestamp: ts(1),
	})
	batch := persistence.NewBatch(1)
	require.NoError(t, batch.Add(outs[0]))
	assert.Equal(t, []string{"pool-1"}, batch.TouchedPools())
	assert.Len(t, batch.Contributions(), 1)
}

// --- Writer ---

func TestLedgerWriter_WriteBatch(t *testing.T) {
	db, mock := newMock(t)
	outs := produce(t, acquisition("a1", "alice", "10", "100", 1))
	batch := persistence.NewBatch(1)
	require.NoError(t, batch.Add(outs[0]))

	mock.ExpectExec(`INSERT INTO ledger\.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.positions .* ON CONFLICT \(asset, holder\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.lots`).WillReturnResult(sqlmock.NewResult(0, 1))

	counts, err := persistence.NewLedgerWriter().WriteBatch(context.Background(), db, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["events"])
	assert.Equal(t, 0, counts["pools"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerWriter_EventArgs(t *testing.T) {
	db, mock := newMock(t)
	row := persistence.EventRow{
		Sequence: 7, EventType: "Acquisition", IdempotencyKey: "k", PartitionKey: "position:ETH:alice",
		Payload: []byte(`{}`), StateHash: []byte{1}, PrevHash: []byte{2}, Timestamp: ts(1), SourceSequence: 3,
	}

	mock.ExpectExec(`VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\) ON CONFLICT \(sequence\) DO NOTHING`).
		WithArgs(int64(7), "Acquisition", "k", "position:ETH:alice", []byte(`{}`), []byte{1}, []byte{2}, ts(1), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, persistence.NewLedgerWriter().WriteEventBatch(context.Background(), db, []persistence.EventRow{row}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- Worker ---

type recordingCache struct {
	mu        sync.Mutex
	positions []state.PositionKey
	pools     []string
}

func (c *recordingCache) InvalidatePositions(_ context.Context, keys []state.PositionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = append(c.positions, keys...)
	return nil
}

func (c *recordingCache) InvalidatePools(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, ids...)
	return nil
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, mock := newMock(t)
	outs := produce(t, acquisition("a1", "alice", "10", "100", 1))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger\.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.positions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.lots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outs[0]
	close(in)

	cache := &recordingCache{}
	w := persistence.NewPersistenceWorker(db, in, 100, time.Hour, cache, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []state.PositionKey{{Asset: "ETH", Holder: "alice"}}, cache.positions)
}

func TestPersistenceWorker_RetriesFailedFlush(t *testing.T) {
	db, mock := newMock(t)
	outs := produce(t, acquisition("a1", "alice", "10", "100", 1))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger\.events`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger\.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.positions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.lots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	in <- outs[0]

	// batch size 1 flushes immediately with retry
	w := persistence.NewPersistenceWorker(db, in, 1, time.Hour, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 5*time.Second, 20*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// --- Idempotency ---

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newMock(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)

	mock.ExpectQuery(`FROM ledger\.events`).WithArgs("Acquisition", "tx:1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`FROM ledger\.events`).WithArgs("Acquisition", "tx:2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectQuery(`FROM ledger\.events`).WithArgs("Acquisition", "tx:3").
		WillReturnError(sql.ErrConnDone)

	dup, err := checker.IsDuplicate("Acquisition", "tx:1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("Acquisition", "tx:2")
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = checker.IsDuplicate("Acquisition", "tx:3")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyChecker_RecentKeys(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`WHERE idempotency_key <> ''`).WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "idempotency_key"}).
			AddRow("Acquisition", "a").AddRow("Disposal", "b"))

	keys, err := persistence.NewPostgresIdempotencyChecker(db).RecentKeys(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Acquisition:a", "Disposal:b"}, keys)
}

// --- Snapshots and replay ---

func TestReplay_RebuildsIdenticalChain(t *testing.T) {
	db, mock := newMock(t)
	outs := produce(t,
		acquisition("a1", "alice", "10", "100", 1),
		&event.Disposal{EventID: "d1", Asset: "ETH", Holder: "alice",
			Amount: d("4"), ProceedsUSD: d("60"), Sequence: 2, Timestamp: ts(2)},
	)
	batch := persistence.NewBatch(2)
	for _, o := range outs {
		require.NoError(t, batch.Add(o))
	}

	mock.ExpectQuery(`FROM ledger\.events`).WithArgs(int64(0), 10).WillReturnRows(eventRows(batch))

	fresh := newCore(nil)
	n, err := persistence.NewSnapshotManager(db).Replay(context.Background(), fresh, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, outs[1].Envelope.StateHash, fresh.GetStateHash())

	pos, ok := fresh.GetPosition("ETH", "alice")
	require.True(t, ok)
	assert.True(t, pos.RealizedPnLUSD.Equal(d("20")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_DetectsHashMismatch(t *testing.T) {
	db, mock := newMock(t)
	outs := produce(t, acquisition("a1", "alice", "10", "100", 1))
	batch := persistence.NewBatch(1)
	require.NoError(t, batch.Add(outs[0]))
	batch.Events()[0].StateHash = make([]byte, 32)

	mock.ExpectQuery(`FROM ledger\.events`).WillReturnRows(eventRows(batch))

	_, err := persistence.NewSnapshotManager(db).Replay(context.Background(), newCore(nil), 0, 10)
	assert.ErrorIs(t, err, persistence.ErrHashMismatch)
}

func TestVerifySnapshot(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	hash := []byte{0xab, 0xcd}

	// log not caught up yet
	mock.ExpectQuery(`FROM ledger\.snapshots`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(hash))
	mock.ExpectQuery(`FROM ledger\.events`).WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}))

	ok, err := sm.VerifySnapshot(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// caught up and matching
	mock.ExpectQuery(`FROM ledger\.snapshots`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(hash))
	mock.ExpectQuery(`FROM ledger\.events`).WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(hash))
	mock.ExpectExec(`UPDATE ledger\.snapshots SET verified = TRUE`).WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err = sm.VerifySnapshot(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, ok)

	// diverged
	mock.ExpectQuery(`FROM ledger\.snapshots`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(hash))
	mock.ExpectQuery(`FROM ledger\.events`).WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow([]byte{0x01}))

	_, err = sm.VerifySnapshot(context.Background(), 5)
	assert.ErrorIs(t, err, persistence.ErrHashMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadLatestSnapshot_RestoresCore(t *testing.T) {
	db, mock := newMock(t)

	src := newCore(nil)
	_, err := src.ProcessEvent(acquisition("a1", "alice", "10", "100", 1))
	require.NoError(t, err)
	snap := src.CreateSnapshotState()
	encoded, err := json.Marshal(persistence.SnapshotData{
		Sequence: snap.Sequence, StateHash: snap.StateHash[:], State: snap, CreatedAt: ts(9),
	})
	require.NoError(t, err)

	mock.ExpectQuery(`WHERE verified = TRUE`).WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(encoded))

	loaded, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	dst := newCore(nil)
	require.NoError(t, dst.RestoreFromSnapshot(loaded.State))
	assert.Equal(t, src.GetStateHash(), dst.GetStateHash())
	lots := dst.ListLots("ETH", "alice")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].PricePerUnit.Equal(d("10")))
	assert.True(t, lots[0].CreatedAt.Equal(ts(1)))
}

func TestLoadLatestSnapshot_ColdStart(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`FROM ledger\.snapshots`).WillReturnRows(sqlmock.NewRows([]string{"data"}))

	loaded, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
