package fingerprint

import (
	"log/slog"
	"sync"
)

// agentRecord owns one agent's fingerprint behind its own lock. No
// record is ever shared by reference across a lock boundary: callers
// get the record, lock it, do their work, and unlock — they never hold
// two agent locks at once.
type agentRecord struct {
	mu sync.Mutex
	fp *Fingerprint
}

// Store is the sharded, per-agent-locked fingerprint map. It is the
// generalization of the donor's session.Manager pattern (get-or-create
// under a read lock with a double-checked write-lock fallback) applied
// to fingerprints instead of sessions.
type Store struct {
	mu      sync.RWMutex
	records map[string]*agentRecord
	logger  *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]*agentRecord),
		logger:  logger.With("component", "fingerprint.Store"),
	}
}

// getOrCreate returns the agentRecord for agentID, creating one if this
// is the agent's first intent. Double-checked locking: try the common
// case (record exists) under a read lock first, only take the write
// lock on a miss, and re-check after acquiring it in case another
// goroutine created the record in the interim.
func (s *Store) getOrCreate(agentID string) *agentRecord {
	s.mu.RLock()
	rec, ok := s.records[agentID]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[agentID]; ok {
		return rec
	}
	rec = &agentRecord{fp: New(agentID)}
	s.records[agentID] = rec
	return rec
}

// With runs fn against agentID's fingerprint while holding that agent's
// exclusive lock. This is the only way callers touch a Fingerprint —
// never reach through to a record reference after With returns.
func (s *Store) With(agentID string, fn func(fp *Fingerprint)) {
	rec := s.getOrCreate(agentID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(rec.fp)
}

// Snapshot returns a deep copy of agentID's fingerprint for read-only
// use (status queries, forensic snapshots, simulator cloning) without
// holding the lock for the duration of the caller's work.
func (s *Store) Snapshot(agentID string) *Fingerprint {
	var clone *Fingerprint
	s.With(agentID, func(fp *Fingerprint) {
		clone = fp.Clone()
	})
	return clone
}

// Restore installs fp as the current state for its AgentID, used when
// warm-starting from a persisted snapshot (fingerprint.SnapshotStore).
func (s *Store) Restore(fp *Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fp.AgentID] = &agentRecord{fp: fp}
}

// Agents returns the ids of every agent with a recorded fingerprint.
func (s *Store) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	return out
}
