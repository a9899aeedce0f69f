package references

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS reference_embeddings (
    model_version TEXT NOT NULL,
    class_id      INTEGER NOT NULL,
    embedding     BLOB NOT NULL,
    created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (model_version, class_id)
);
`

// Cache persists reference embeddings keyed by model version so they are
// computed once per deployed model.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (or creates) the SQLite cache at path. ":memory:" is
// accepted for tests.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes
	// writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create embedding cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached embedding, or ok=false when absent.
func (c *Cache) Get(ctx context.Context, version string, class int) (vec []float32, ok bool, err error) {
	var blob []byte
	err = c.db.QueryRowContext(ctx,
		`SELECT embedding FROM reference_embeddings WHERE model_version = ? AND class_id = ?`,
		version, class).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached embedding: %w", err)
	}
	vec, err = decodeEmbedding(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *Cache) Put(ctx context.Context, version string, class int, vec []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO reference_embeddings(model_version, class_id, embedding) VALUES(?, ?, ?)
		 ON CONFLICT(model_version, class_id) DO UPDATE SET embedding = excluded.embedding`,
		version, class, encodeEmbedding(vec))
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// Prune drops embeddings produced by any model version other than keep.
func (c *Cache) Prune(ctx context.Context, keep string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM reference_embeddings WHERE model_version <> ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune embedding cache: %w", err)
	}
	return res.RowsAffected()
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// encodeEmbedding stores vec as little-endian IEEE 754 float32 values.
func encodeEmbedding(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
