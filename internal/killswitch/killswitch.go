// Package killswitch implements an out-of-band emergency stop checked
// ahead of every policy and drift evaluation. It is independent of the
// Drift Engine's own KILL threshold: an admin (or a file sentinel) can
// halt an agent, a session, or the whole kernel regardless of what the
// behavioral score says.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Scope determines what a trigger affects.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeAgent   Scope = "agent"
	ScopeSession Scope = "session"
)

// TriggerRecord logs who/what triggered the kill switch and when.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TargetID  string    `json:"target_id,omitempty"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, file
	Timestamp time.Time `json:"timestamp"`
}

// KillSwitch is the emergency stop. IsBlocked is the hot-path check the
// Gateway runs before any rule or signal is evaluated.
type KillSwitch struct {
	mu sync.RWMutex

	globalTriggered bool
	agentKills      map[string]TriggerRecord
	sessionKills    map[string]TriggerRecord
	history         []TriggerRecord

	fileWatchPath string
	logger        *slog.Logger
}

// New creates a KillSwitch. If homeDir resolves, the presence of a KILL
// sentinel file under it triggers a global kill when CheckFileKill is
// polled.
func New(logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	homeDir, _ := os.UserHomeDir()
	watchPath := filepath.Join(homeDir, ".aegis", "KILL")

	return &KillSwitch{
		agentKills:    make(map[string]TriggerRecord),
		sessionKills:  make(map[string]TriggerRecord),
		fileWatchPath: watchPath,
		logger:        logger.With("component", "killswitch"),
	}
}

// IsBlocked is the hot-path check run on every request, ahead of policy
// and drift evaluation.
func (ks *KillSwitch) IsBlocked(agentID, sessionID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		return true, "global kill switch activated"
	}
	if record, ok := ks.agentKills[agentID]; ok {
		return true, fmt.Sprintf("agent kill switch activated: %s", record.Reason)
	}
	if sessionID != "" {
		if record, ok := ks.sessionKills[sessionID]; ok {
			return true, fmt.Sprintf("session kill switch activated: %s", record.Reason)
		}
	}
	return false, ""
}

func (ks *KillSwitch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = true
	record := TriggerRecord{Scope: ScopeGlobal, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.history = append(ks.history, record)
	ks.logger.Error("global kill switch triggered", "reason", reason, "source", source)
}

func (ks *KillSwitch) TriggerAgent(agentID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	record := TriggerRecord{Scope: ScopeAgent, TargetID: agentID, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.agentKills[agentID] = record
	ks.history = append(ks.history, record)
	ks.logger.Error("agent kill switch triggered", "agent_id", agentID, "reason", reason, "source", source)
}

func (ks *KillSwitch) TriggerSession(sessionID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	record := TriggerRecord{Scope: ScopeSession, TargetID: sessionID, Reason: reason, Source: source, Timestamp: time.Now()}
	ks.sessionKills[sessionID] = record
	ks.history = append(ks.history, record)
	ks.logger.Error("session kill switch triggered", "session_id", sessionID, "reason", reason, "source", source)
}

func (ks *KillSwitch) ResetAgent(agentID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.agentKills, agentID)
	ks.logger.Info("agent kill switch reset", "agent_id", agentID)
}

func (ks *KillSwitch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.globalTriggered = false
	ks.logger.Info("global kill switch reset")
}

func (ks *KillSwitch) ResetSession(sessionID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.sessionKills, sessionID)
	ks.logger.Info("session kill switch reset", "session_id", sessionID)
}

// History returns the full trigger history for ledger/forensic use.
func (ks *KillSwitch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// SetWatchPath overrides the sentinel file path CheckFileKill polls,
// for deployments that configure it explicitly rather than relying on
// the default ~/.aegis/KILL.
func (ks *KillSwitch) SetWatchPath(path string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.fileWatchPath = path
}

// CheckFileKill triggers a global kill if the sentinel file is present.
// Call periodically from the Gateway's background loop.
func (ks *KillSwitch) CheckFileKill() {
	if ks.fileWatchPath == "" {
		return
	}
	if _, err := os.Stat(ks.fileWatchPath); err == nil {
		ks.mu.RLock()
		already := ks.globalTriggered
		ks.mu.RUnlock()
		if !already {
			ks.TriggerGlobal("KILL sentinel file detected", "file")
		}
	}
}

// Status returns the kill switch's view of one agent: whether it (or the
// global switch) currently blocks the agent, and the trigger record
// responsible if so.
func (ks *KillSwitch) Status(agentID string) (blocked bool, record TriggerRecord) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		for i := len(ks.history) - 1; i >= 0; i-- {
			if ks.history[i].Scope == ScopeGlobal {
				return true, ks.history[i]
			}
		}
		return true, TriggerRecord{Scope: ScopeGlobal, Reason: "global kill switch activated"}
	}
	if rec, ok := ks.agentKills[agentID]; ok {
		return true, rec
	}
	return false, TriggerRecord{}
}
