// Package ledger implements the signed, hash-chained, append-only audit
// log every core decision is recorded to. The gateway and the Drift
// Engine write through it and the simulator reads from it; within this
// module it depends only on the kernel package's shared types.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegiscore/aegis/internal/kernel"
)

const genesisHash = "" // entry 0's previous_hash

// Entry is the materialized ledger record handed back to callers of
// Scan/Export, with the payload decoded from canonical bytes back into
// a generic map for inspection.
type Entry struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       kernel.EventKind `json:"kind"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
	Hash       string         `json:"hash"`
	PrevHash   string         `json:"prev_hash"`
	Signature  string         `json:"signature"`
	DemoSigned bool           `json:"demo_signed"`
}

// entryEnvelope is what actually gets canonical-encoded and hashed: the
// identifying metadata plus the event-specific payload. Including the id,
// kind, agent, and timestamp in the hashed envelope (not just the raw
// payload) is what lets verify_chain detect tampering with any of those
// fields, not only the payload body.
type entryEnvelope struct {
	ID        string           `json:"id"`
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Kind      kernel.EventKind `json:"kind"`
	AgentID   string           `json:"agent_id"`
	Payload   any              `json:"payload"`
}

// Signer signs H(canonical_payload) || previous_hash and must be
// verifiable offline given the corresponding public material. The spec
// does not mandate a scheme; Ledger ships a DemoSigner (HMAC, printed
// key) and accepts any Signer for production use.
type Signer interface {
	Sign(digest []byte) (signature string, demo bool, err error)
	Verify(digest []byte, signature string) bool
}

// DemoSigner is an HMAC-SHA256 signer with a process-generated key. It
// exists for local/demo deployments where no real signing key management
// is available; every entry it signs is tagged demo_signed=true per spec.
type DemoSigner struct {
	key []byte
}

// NewDemoSigner generates a random HMAC key and prints it once so an
// operator can save it for offline verification.
func NewDemoSigner(logger *slog.Logger) (*DemoSigner, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ledger: generate demo signing key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ledger running in demo_signed mode — this key is not persisted",
		"hmac_key_hex", hex.EncodeToString(key))
	return &DemoSigner{key: key}, nil
}

func (s *DemoSigner) Sign(digest []byte) (string, bool, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(digest)
	return hex.EncodeToString(mac.Sum(nil)), true, nil
}

func (s *DemoSigner) Verify(digest []byte, signature string) bool {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(digest)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Ledger is the signed hash chain on top of a Store. All writers are
// serialized by mu; readers (verify_chain, export) only take the store's
// own read lock and may run concurrently with an in-flight append.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	signer Signer
	seq    uint64
	tail   string
	broken bool // set once verify_chain (or an append) detects corruption; blocks further writes

	logger *slog.Logger
}

// New constructs a Ledger over store, replaying the store's existing
// records to recover the current sequence number and tail hash.
func New(store Store, signer Signer, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		signer: signer,
		logger: logger.With("component", "ledger.Ledger"),
	}

	tail, ok, err := store.Tail(context.Background())
	if err != nil {
		return nil, kernel.NewError(kernel.ErrStorageFailure, "ledger.New", "read tail", err)
	}
	if ok {
		l.seq = tail.ID
		l.tail = tail.Hash
	} else {
		l.tail = genesisHash
	}
	return l, nil
}

// Append computes the content hash, links it to the previous entry's
// hash, signs the pair, and appends atomically. It is the only mutating
// entry point and is always serialized by mu.
func (l *Ledger) Append(ctx context.Context, kind kernel.EventKind, agentID string, payload any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken {
		return Entry{}, kernel.NewError(kernel.ErrLedgerIntegrityFailure, "ledger.Append",
			"write path refused: chain integrity violation pending reconciliation", nil)
	}

	id := ulid.Make().String()
	seq := l.seq + 1
	env := entryEnvelope{
		ID:        id,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		AgentID:   agentID,
		Payload:   payload,
	}

	canonical, err := Canonicalize(env)
	if err != nil {
		return Entry{}, kernel.NewError(kernel.ErrInternal, "ledger.Append", "canonicalize entry", err)
	}

	h := sha256.Sum256(append(canonical, []byte(l.tail)...))
	hash := hex.EncodeToString(h[:])

	digest := sha256.Sum256([]byte(hash + l.tail))
	signature, demo, err := l.signer.Sign(digest[:])
	if err != nil {
		return Entry{}, kernel.NewError(kernel.ErrInternal, "ledger.Append", "sign entry", err)
	}

	rec := Record{
		ID:         seq,
		Payload:    canonical,
		Hash:       hash,
		PrevHash:   l.tail,
		Signature:  signature,
		DemoSigned: demo,
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return Entry{}, kernel.NewError(kernel.ErrStorageFailure, "ledger.Append", "append to store", err)
	}

	l.seq = seq
	l.tail = hash

	entry, err := decodeRecord(rec)
	if err != nil {
		return Entry{}, kernel.NewError(kernel.ErrInternal, "ledger.Append", "decode appended record", err)
	}
	return entry, nil
}

// VerifyChain walks every record, recomputing hashes and verifying
// signatures. It returns ok=true if the chain is intact, or the id of
// the first broken link.
func (l *Ledger) VerifyChain(ctx context.Context) (ok bool, firstBrokenID uint64, err error) {
	records, serr := l.store.Scan(ctx)
	if serr != nil {
		return false, 0, kernel.NewError(kernel.ErrStorageFailure, "ledger.VerifyChain", "scan store", serr)
	}

	prev := genesisHash
	for _, rec := range records {
		expectedHash := sha256.Sum256(append(append([]byte{}, rec.Payload...), []byte(prev)...))
		if hex.EncodeToString(expectedHash[:]) != rec.Hash {
			l.markBroken(rec.ID)
			return false, rec.ID, nil
		}
		if rec.PrevHash != prev {
			l.markBroken(rec.ID)
			return false, rec.ID, nil
		}
		digest := sha256.Sum256([]byte(rec.Hash + rec.PrevHash))
		if !l.signer.Verify(digest[:], rec.Signature) {
			l.markBroken(rec.ID)
			return false, rec.ID, nil
		}
		prev = rec.Hash
	}
	return true, 0, nil
}

func (l *Ledger) markBroken(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken = true
	l.logger.Error("ledger chain integrity violation detected", "first_broken_id", id)
}

// Reconcile clears the broken flag, re-enabling the write path. It is an
// explicit admin action taken after the integrity failure has been
// investigated; it does not repair history.
func (l *Ledger) Reconcile() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken = false
}

// Export returns every entry in id order, optionally filtered by
// kind/agent, for external archiving. The exported stream retains the
// chain links so a downstream verifier can re-check integrity
// independently.
func (l *Ledger) Export(ctx context.Context, filter Filter) ([]Entry, error) {
	records, err := l.store.Scan(ctx)
	if err != nil {
		return nil, kernel.NewError(kernel.ErrStorageFailure, "ledger.Export", "scan store", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry, err := decodeRecord(rec)
		if err != nil {
			return nil, kernel.NewError(kernel.ErrInternal, "ledger.Export", "decode record", err)
		}
		if filter.matches(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Filter narrows Export/Scan results.
type Filter struct {
	Kind    kernel.EventKind
	AgentID string
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	return true
}

func decodeRecord(rec Record) (Entry, error) {
	var env struct {
		ID        string           `json:"id"`
		Seq       uint64           `json:"seq"`
		Timestamp time.Time        `json:"timestamp"`
		Kind      kernel.EventKind `json:"kind"`
		AgentID   string           `json:"agent_id"`
		Payload   map[string]any   `json:"payload"`
	}
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:         env.ID,
		Seq:        env.Seq,
		Timestamp:  env.Timestamp,
		Kind:       env.Kind,
		AgentID:    env.AgentID,
		Payload:    env.Payload,
		Hash:       rec.Hash,
		PrevHash:   rec.PrevHash,
		Signature:  rec.Signature,
		DemoSigned: rec.DemoSigned,
	}, nil
}
