package metagraph

import (
	"context"
	"database/sql"
	"errors"

	"github.com/opentensor/BitTensor/internal/utils"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// Cache persists the latest snapshot so a restarted process can answer
// reads before its first sync lands.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metagraph (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			block INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Save writes the snapshot, replacing any previous one.
func (c *Cache) Save(ctx context.Context, s *State) error {
	payload, err := msgpack.Marshal(s)
	if err != nil {
		return utils.Wrap("failed encoding snapshot", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO metagraph (id, block, payload)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			block = excluded.block,
			payload = excluded.payload
	`, s.Block, payload)
	return err
}

// Load returns the persisted snapshot, or nil when none was ever saved.
func (c *Cache) Load(ctx context.Context) (*State, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM metagraph WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := msgpack.Unmarshal(payload, &s); err != nil {
		return nil, utils.Wrap("failed decoding cached snapshot", err)
	}
	return &s, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
