// Package sqlite persists wallet state and the dispense journal in a local
// SQLite file (standalone mode).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/galileo/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallet_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		height     INTEGER NOT NULL,
		balances   TEXT NOT NULL,
		dispensed  INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS dispenses (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		address    TEXT NOT NULL,
		amounts    TEXT NOT NULL,
		tx_hash    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS answered_messages (
		channel_id  TEXT NOT NULL,
		message_id  TEXT NOT NULL,
		answered_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, message_id)
	);`,
}

// Store implements store.WalletStore and store.Journal on one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer; avoids SQLITE_BUSY between the wallet worker and reply goroutines
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStores wraps an opened database into the store set used by the service.
func NewStores(path string) (*store.Stores, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{Wallet: s, Journal: s, Close: s.Close}, nil
}

func (s *Store) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadWallet(ctx context.Context) (*store.WalletState, error) {
	var (
		st       store.WalletState
		balances string
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT height, balances, dispensed, updated_at FROM wallet_state WHERE id = 1`,
	).Scan(&st.Height, &balances, &st.Dispensed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet state: %w", err)
	}
	if err := json.Unmarshal([]byte(balances), &st.Balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return &st, nil
}

func (s *Store) SaveWallet(ctx context.Context, st store.WalletState) error {
	balances, err := json.Marshal(st.Balances)
	if err != nil {
		return fmt.Errorf("encode balances: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wallet_state (id, height, balances, dispensed, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   height = excluded.height,
		   balances = excluded.balances,
		   dispensed = excluded.dispensed,
		   updated_at = excluded.updated_at`,
		int64(st.Height), string(balances), int64(st.Dispensed), st.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save wallet state: %w", err)
	}
	return nil
}

func (s *Store) RecordDispense(ctx context.Context, rec store.DispenseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispenses (address, amounts, tx_hash, created_at) VALUES (?, ?, ?, ?)`,
		rec.Address, rec.Values, rec.TxHash, rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record dispense: %w", err)
	}
	return nil
}

func (s *Store) MarkAnswered(ctx context.Context, channelID, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answered_messages (channel_id, message_id, answered_at) VALUES (?, ?, ?)
		 ON CONFLICT (channel_id, message_id) DO NOTHING`,
		channelID, messageID, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

func (s *Store) Answered(ctx context.Context, channelID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM answered_messages WHERE channel_id = ? AND message_id = ?`,
		channelID, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup answered: %w", err)
	}
	return true, nil
}

// Dispenses returns the number of journaled sends.
func (s *Store) Dispenses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispenses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dispenses: %w", err)
	}
	return n, nil
}
