package store

import (
	"context"
	"time"
)

// WalletState is the persisted snapshot of the ledger worker.
// Balances are decimal strings in base units, keyed by denomination.
type WalletState struct {
	Height    uint64            `json:"height"`
	Balances  map[string]string `json:"balances"`
	Dispensed uint64            `json:"dispensed"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// WalletStore persists the ledger worker's state between restarts.
// LoadWallet returns (nil, nil) when nothing has been saved yet.
type WalletStore interface {
	LoadWallet(ctx context.Context) (*WalletState, error)
	SaveWallet(ctx context.Context, state WalletState) error
}
