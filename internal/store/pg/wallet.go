package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/galileo/internal/store"
)

// PGWalletStore implements store.WalletStore backed by Postgres.
type PGWalletStore struct {
	db *sql.DB
}

func NewPGWalletStore(db *sql.DB) *PGWalletStore {
	return &PGWalletStore{db: db}
}

func (s *PGWalletStore) LoadWallet(ctx context.Context) (*store.WalletState, error) {
	var (
		st       store.WalletState
		height   int64
		disp     int64
		balances []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT height, balances, dispensed, updated_at FROM wallet_state WHERE id = 1`,
	).Scan(&height, &balances, &disp, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet state: %w", err)
	}
	if err := json.Unmarshal(balances, &st.Balances); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	st.Height = uint64(height)
	st.Dispensed = uint64(disp)
	return &st, nil
}

func (s *PGWalletStore) SaveWallet(ctx context.Context, st store.WalletState) error {
	balances, err := json.Marshal(st.Balances)
	if err != nil {
		return fmt.Errorf("encode balances: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wallet_state (id, height, balances, dispensed, updated_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   height = EXCLUDED.height,
		   balances = EXCLUDED.balances,
		   dispensed = EXCLUDED.dispensed,
		   updated_at = EXCLUDED.updated_at`,
		int64(st.Height), balances, int64(st.Dispensed), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save wallet state: %w", err)
	}
	return nil
}
