package domain

import "context"

// Database defines lifecycle operations for the local database that holds
// sessions and the sync ledger.
type Database interface {
	Migrate(ctx context.Context) error
	Close() error
}
