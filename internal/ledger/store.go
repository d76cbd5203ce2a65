package ledger

import "context"

// Record is the raw, already-canonical-encoded unit the LedgerStore
// persists. The Ledger above this layer is responsible for filling in
// Hash/PrevHash/Signature before handing a Record to Append.
type Record struct {
	ID         uint64 `json:"id"`
	Payload    []byte `json:"payload"` // canonical-encoded entry payload
	Hash       string `json:"hash"`
	PrevHash   string `json:"prev_hash"`
	Signature  string `json:"signature"`
	DemoSigned bool   `json:"demo_signed"`
}

// Store is the append-only storage abstraction backing the ledger. Both
// implementations (memory, file) must be safe for concurrent readers
// while a single writer appends, and must never expose a partially
// written record.
type Store interface {
	// Append writes rec as the next record and returns unchanged. The
	// caller (Ledger) holds the single-writer lock; Append does not
	// need to serialize internally, but must be atomic with respect to
	// a concurrent crash (no record is visible to readers half-written).
	Append(ctx context.Context, rec Record) error

	// Scan returns every record in id order. Used by verify_chain and
	// export.
	Scan(ctx context.Context) ([]Record, error)

	// Tail returns the most recently appended record, or ok=false if
	// the store is empty.
	Tail(ctx context.Context) (rec Record, ok bool, err error)

	// Flush forces any buffered writes to durable storage.
	Flush(ctx context.Context) error

	// Close releases any held resources.
	Close() error
}
