package fingerprint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// snapshotSchema creates the single table this store needs: one row per
// agent, overwritten on every snapshot. This is purely a cold-start
// optimization (SPEC_FULL §4.2) — the ledger remains authoritative, so
// there is no history here, no migrations, and no foreign keys to the
// rest of the system.
const snapshotSchema = `
CREATE TABLE IF NOT EXISTS fingerprint_snapshots (
	agent_id    TEXT PRIMARY KEY,
	snapshot    TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);
`

// wireFingerprint is the JSON-serializable projection of Fingerprint used
// for snapshot persistence; Fingerprint's ring-buffer internals
// (cursor/array) are flattened to a plain history slice so the snapshot
// format doesn't leak the in-memory layout.
type wireFingerprint struct {
	AgentID           string         `json:"agent_id"`
	History           []HistoryEntry `json:"history"`
	Centroid          []float32      `json:"centroid,omitempty"`
	CapabilityCounts  map[string]int `json:"capability_counts"`
	TotalCapObs       int            `json:"total_cap_obs"`
	HourHistogram     [24]int        `json:"hour_histogram"`
	AvgIntervalNanos  int64          `json:"avg_interval_nanos"`
	ViolationCount    int            `json:"violation_count"`
	MaxPrivilege      int            `json:"max_privilege"`
	ResurrectionCount int            `json:"resurrection_count"`
	Count             int            `json:"count"`
}

// SnapshotStore persists fingerprint snapshots to a local SQLite
// database, keyed by agent id, so a restarted kernel can warm-start
// instead of replaying the entire audit ledger from scratch.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (creating if necessary) the SQLite file at
// path and ensures the schema exists.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: open snapshot store: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fingerprint: create snapshot schema: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

// Save writes (overwriting) the snapshot for fp.AgentID.
func (s *SnapshotStore) Save(fp *Fingerprint) error {
	wire := wireFingerprint{
		AgentID:           fp.AgentID,
		History:           fp.History(),
		Centroid:          fp.Centroid,
		CapabilityCounts:  fp.CapabilityCounts,
		TotalCapObs:       fp.TotalCapObs,
		HourHistogram:     fp.HourHistogram,
		AvgIntervalNanos:  int64(fp.AvgInterval),
		ViolationCount:    fp.ViolationCount,
		MaxPrivilege:      fp.MaxPrivilege,
		ResurrectionCount: fp.ResurrectionCount,
		Count:             fp.Count,
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("fingerprint: marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO fingerprint_snapshots (agent_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, fp.AgentID, string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fingerprint: save snapshot: %w", err)
	}
	return nil
}

// LoadAll reconstructs every persisted snapshot, for warm-starting a
// Store at boot instead of replaying the whole ledger from a cold state.
func (s *SnapshotStore) LoadAll() ([]*Fingerprint, error) {
	rows, err := s.db.Query(`SELECT agent_id FROM fingerprint_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: list snapshot agents: %w", err)
	}
	defer rows.Close()

	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("fingerprint: scan agent id: %w", err)
		}
		agentIDs = append(agentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fingerprint: iterate snapshot agents: %w", err)
	}

	out := make([]*Fingerprint, 0, len(agentIDs))
	for _, id := range agentIDs {
		fp, ok, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, fp)
		}
	}
	return out, nil
}

// Load reconstructs a Fingerprint from its persisted snapshot, or
// returns ok=false if no snapshot exists for agentID.
func (s *SnapshotStore) Load(agentID string) (fp *Fingerprint, ok bool, err error) {
	var blob string
	row := s.db.QueryRow(`SELECT snapshot FROM fingerprint_snapshots WHERE agent_id = ?`, agentID)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fingerprint: load snapshot: %w", err)
	}

	var wire wireFingerprint
	if err := json.Unmarshal([]byte(blob), &wire); err != nil {
		return nil, false, fmt.Errorf("fingerprint: unmarshal snapshot: %w", err)
	}

	out := New(wire.AgentID)
	out.Centroid = wire.Centroid
	out.CapabilityCounts = wire.CapabilityCounts
	if out.CapabilityCounts == nil {
		out.CapabilityCounts = make(map[string]int)
	}
	out.TotalCapObs = wire.TotalCapObs
	out.HourHistogram = wire.HourHistogram
	out.AvgInterval = time.Duration(wire.AvgIntervalNanos)
	out.ViolationCount = wire.ViolationCount
	out.MaxPrivilege = wire.MaxPrivilege
	out.ResurrectionCount = wire.ResurrectionCount
	out.Count = wire.Count

	for i, entry := range wire.History {
		if i >= HistoryWindow {
			break
		}
		out.history[i] = entry
	}
	out.cursor = len(wire.History) % HistoryWindow

	return out, true, nil
}
