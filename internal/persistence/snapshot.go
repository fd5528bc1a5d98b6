package persistence

import (
	"LotLedger/internal/core"
	"LotLedger/internal/event"
	"LotLedger/internal/ingestion"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// ErrHashMismatch means replay diverged from the persisted hash chain
var ErrHashMismatch = errors.New("state hash mismatch")

// SnapshotManager creates and loads state snapshots and replays the event log.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of a core snapshot
type SnapshotData struct {
	SnapshotID uuid.UUID           `json:"snapshot_id"`
	Sequence   int64               `json:"sequence"`
	StateHash  []byte              `json:"state_hash"`
	State      *core.SnapshotState `json:"state"`
	CreatedAt  time.Time           `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores an unverified snapshot. VerifySnapshot promotes it once
// the event log has caught up to its sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (*SnapshotData, int, error) {
	data := &SnapshotData{
		SnapshotID: uuid.New(),
		Sequence:   snap.Sequence,
		StateHash:  snap.StateHash[:],
		State:      snap,
		CreatedAt:  createdAt,
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, data.SnapshotID, data.Sequence, encoded, data.StateHash, snapshotFormatVersion, len(encoded), createdAt)
	if err != nil {
		return nil, 0, fmt.Errorf("save snapshot at %d: %w", data.Sequence, err)
	}
	return data, len(encoded), nil
}

// VerifySnapshot marks a snapshot verified when its hash equals the chain tip
// persisted for the preceding sequence. It reports false while the log has not
// caught up yet.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) (bool, error) {
	var snapHash []byte
	if err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM ledger.snapshots WHERE sequence = $1`, sequence,
	).Scan(&snapHash); err != nil {
		return false, fmt.Errorf("load snapshot hash %d: %w", sequence, err)
	}

	var logHash []byte
	err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM ledger.events WHERE sequence = $1`, sequence-1,
	).Scan(&logHash)
	if errors.Is(err, sql.ErrNoRows) {
		if sequence == 0 {
			logHash = genesisHashBytes()
		} else {
			return false, nil
		}
	} else if err != nil {
		return false, fmt.Errorf("load event hash %d: %w", sequence-1, err)
	}

	if !bytes.Equal(snapHash, logHash) {
		return false, fmt.Errorf("snapshot %d: %w", sequence, ErrHashMismatch)
	}

	if _, err := sm.db.ExecContext(ctx,
		`UPDATE ledger.snapshots SET verified = TRUE WHERE sequence = $1`, sequence,
	); err != nil {
		return false, fmt.Errorf("mark snapshot %d verified: %w", sequence, err)
	}
	return true, nil
}

func genesisHashBytes() []byte {
	h := core.GenesisHash()
	return h[:]
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var encoded []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var data SnapshotData
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if data.State == nil {
		return nil, fmt.Errorf("snapshot %d has no state", data.Sequence)
	}
	return &data, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PartitionKey, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// EventApplier is the part of the core that replay drives
type EventApplier interface {
	ProcessEvent(evt event.Event) (*core.ApplyResult, error)
}

// Replay re-applies the log from fromSequence in pages, checking that every
// event lands on the same sequence and state hash it was persisted with.
func (sm *SnapshotManager) Replay(ctx context.Context, applier EventApplier, fromSequence int64, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	replayed := 0
	next := fromSequence
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		rows, err := sm.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}

		for _, row := range rows {
			evt, err := ingestion.DecodeEvent(row.EventType, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}

			res, err := applier.ProcessEvent(evt)
			if err != nil {
				return replayed, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}
			if res.Duplicate || res.Sequence != row.Sequence {
				return replayed, fmt.Errorf("replay event %d landed on sequence %d: %w",
					row.Sequence, res.Sequence, ErrHashMismatch)
			}
			if !bytes.Equal(res.StateHash[:], row.StateHash) {
				return replayed, fmt.Errorf("replay event %d: %w", row.Sequence, ErrHashMismatch)
			}
			replayed++
			next = row.Sequence + 1
		}

		if len(rows) < pageSize {
			return replayed, nil
		}
	}
}
