package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kaiwa-ai/kaiwa/internal/model"
)

// ErrSnapshotNotFound is returned when a rollback handle references no snapshot.
var ErrSnapshotNotFound = errors.New("storage: snapshot not found")

// SaveSnapshot persists a rollback snapshot as a JSONB blob keyed by its handle.
func (db *DB) SaveSnapshot(ctx context.Context, snap model.RollbackSnapshot) error {
	blob, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO rollback_snapshots (id, fix_name, created_at, entries)
		 VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.FixName, snap.CreatedAt, blob,
	)
	if err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads a rollback snapshot by handle.
func (db *DB) GetSnapshot(ctx context.Context, id uuid.UUID) (model.RollbackSnapshot, error) {
	snap := model.RollbackSnapshot{ID: id}
	var blob []byte

	err := db.pool.QueryRow(ctx,
		`SELECT fix_name, created_at, entries FROM rollback_snapshots WHERE id = $1`, id,
	).Scan(&snap.FixName, &snap.CreatedAt, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RollbackSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return model.RollbackSnapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}

	if err := json.Unmarshal(blob, &snap.Entries); err != nil {
		return model.RollbackSnapshot{}, fmt.Errorf("storage: unmarshal snapshot: %w", err)
	}
	return snap, nil
}
