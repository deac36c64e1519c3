package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store owns the ledger database. It creates the schema on open and acts as
// the transactional host: callers begin a transaction here and pass it to
// Ledger.Settle so settlement shares atomicity with whatever else the caller
// persists in the same turn.
type Store struct {
	db *sql.DB
}

// Schema for the ledger database.
const schema = `
CREATE TABLE IF NOT EXISTS balances (
    user_id TEXT PRIMARY KEY,
    power REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL UNIQUE,
    ref_turn_id TEXT,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    power REAL NOT NULL DEFAULT 0,
    kind TEXT NOT NULL DEFAULT 'charge' CHECK (kind IN ('charge', 'compensation')),
    status TEXT NOT NULL DEFAULT 'completed',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_records_user_id ON usage_records(user_id, created_at DESC);
`

// OpenStore opens (or creates) the ledger database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemoryStore opens an in-memory database, used by tests.
func OpenMemoryStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each new connection would see an empty in-memory database
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts a transaction for settlement.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Grant adds power to a user's balance, creating the balance row if needed.
func (s *Store) Grant(ctx context.Context, userID string, power float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, power) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			power = power + excluded.power,
			updated_at = CURRENT_TIMESTAMP`,
		userID, power)
	if err != nil {
		return fmt.Errorf("grant power: %w", err)
	}
	return nil
}

// Balance returns a user's current power. A user with no balance row has
// zero power.
func (s *Store) Balance(ctx context.Context, userID string) (float64, error) {
	var power float64
	err := s.db.QueryRowContext(ctx,
		`SELECT power FROM balances WHERE user_id = ?`, userID).Scan(&power)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return power, nil
}

// HasSufficientPower reports whether a user's balance covers the given cost.
// Advisory only: balances change between this check and settlement, so the
// atomic update in Settle remains the authoritative gate.
func (s *Store) HasSufficientPower(ctx context.Context, userID string, power float64) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= power, nil
}

// History returns a user's most recent usage records, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, ref_turn_id, user_id, provider, model,
		       input_tokens, output_tokens, power, kind, status, created_at
		FROM usage_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		record, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
