package store

// Stores is the top-level container for the storage backends.
// Both are served by the same database: SQLite in standalone mode,
// Postgres in managed mode.
type Stores struct {
	Wallet  WalletStore
	Journal Journal

	// Close releases the underlying database handle.
	Close func() error
}
