package patterns

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite"
)

// durableCache persists embeddings in a local SQLite file keyed by a
// content hash of the normalized text. It survives restarts so phrase and
// feedback embeddings are only ever requested once per distinct text.
type durableCache struct {
	db *sql.DB
}

func openDurableCache(path string) (*durableCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("patterns: open embed cache %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			hash TEXT PRIMARY KEY,
			dims INTEGER NOT NULL,
			vec  BLOB NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("patterns: create embed cache table: %w", err)
	}

	return &durableCache{db: db}, nil
}

// contentHash keys the durable cache. Hex SHA-256 of the normalized text.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for the text, or nil on a miss.
func (d *durableCache) Get(ctx context.Context, text string) ([]float32, error) {
	var dims int
	var blob []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT dims, vec FROM embedding_cache WHERE hash = ?`, contentHash(text),
	).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patterns: embed cache get: %w", err)
	}

	vec, err := decodeVector(blob, dims)
	if err != nil {
		return nil, fmt.Errorf("patterns: embed cache decode: %w", err)
	}
	return vec, nil
}

// Put stores a vector. Writes are append-only; an existing row wins.
func (d *durableCache) Put(ctx context.Context, text string, vec []float32) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (hash, dims, vec) VALUES (?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		contentHash(text), len(vec), encodeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("patterns: embed cache put: %w", err)
	}
	return nil
}

// Clear removes every cached embedding.
func (d *durableCache) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM embedding_cache`); err != nil {
		return fmt.Errorf("patterns: embed cache clear: %w", err)
	}
	return nil
}

func (d *durableCache) Close() error {
	return d.db.Close()
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != 4*dims {
		return nil, fmt.Errorf("blob length %d does not match dims %d", len(blob), dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
