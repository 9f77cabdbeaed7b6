package violation

import "context"

// DefaultListLimit is used by ListRecent callers that do not specify a limit.
const DefaultListLimit = 50

// Ledger is the durable set of content hashes that have been processed.
// Implementations must be safe for concurrent use.
type Ledger interface {
	Has(ctx context.Context, hash string) (bool, error)
	// Record marks hash as seen. It is idempotent and durable once it returns nil.
	Record(ctx context.Context, hash string) error
}

// FindingStore is the append-only table of violation records.
type FindingStore interface {
	// Insert appends r, sets r.ID and returns it.
	Insert(ctx context.Context, r *Record) (int64, error)
	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// Store bundles both tables behind one connection.
type Store interface {
	Ledger
	FindingStore
	Close() error
}
