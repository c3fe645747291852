package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createWeightsTable = `
CREATE TABLE IF NOT EXISTS projection_weights (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore implements WeightStore on a SQLite file, for deployments
// without Redis.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open weights db: %w", err)
	}
	// one connection so ":memory:" is a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createWeightsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate weights db: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM projection_weights WHERE key = ? AND expires_at > ?`,
		key, s.now().Unix(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("weights get %s: %w", key, err)
	}
	return data, nil
}

// GetOrSet inserts with ON CONFLICT DO NOTHING, then reads back the winner.
func (s *SQLiteStore) GetOrSet(ctx context.Context, key string, data []byte) ([]byte, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_weights WHERE key = ? AND expires_at <= ?`, key, now.Unix(),
	); err != nil {
		return nil, fmt.Errorf("weights expire %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projection_weights (key, data, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, data, now.Add(WeightTTL).Unix(),
	); err != nil {
		return nil, fmt.Errorf("weights put %s: %w", key, err)
	}

	var stored []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT data FROM projection_weights WHERE key = ?`, key,
	).Scan(&stored); err != nil {
		return nil, fmt.Errorf("weights read back %s: %w", key, err)
	}
	return stored, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
