// Package drift implements the Drift Engine: per-agent behavioral
// fingerprinting, composite multi-signal risk scoring, and threshold-based
// enforcement (monitor / throttle / pause / kill) with a resurrection
// workflow, grounded on the teacher's session-risk scoring pipeline and
// generalized to this module's five-signal composite.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/ledger"
)

// Weights is the default-profile signal weighting; a deployment may
// override it so long as the five terms sum to 1.0 (enforced at
// construction, not per-score, since that would be wasted work on every
// intent for a condition that cannot change at runtime).
type Weights struct {
	EmbeddingDrift      float64 `yaml:"embedding_drift"`
	CapabilitySurprisal float64 `yaml:"capability_surprisal"`
	ViolationRate       float64 `yaml:"violation_rate"`
	VelocityAnomaly     float64 `yaml:"velocity_anomaly"`
	Temporal            float64 `yaml:"temporal"`
}

// DefaultWeights is the profile named in SPEC_FULL §4.2.
var DefaultWeights = Weights{
	EmbeddingDrift:      0.30,
	CapabilitySurprisal: 0.25,
	ViolationRate:       0.20,
	VelocityAnomaly:     0.15,
	Temporal:            0.10,
}

func (w Weights) sum() float64 {
	return w.EmbeddingDrift + w.CapabilitySurprisal + w.ViolationRate + w.VelocityAnomaly + w.Temporal
}

// redistributeForLearning zeroes the embedding-drift weight and spreads it
// proportionally across the remaining four, per the resolved Open
// Question on learning-phase scoring.
func (w Weights) redistributeForLearning() Weights {
	rest := w.CapabilitySurprisal + w.ViolationRate + w.VelocityAnomaly + w.Temporal
	if rest == 0 {
		return w
	}
	extra := w.EmbeddingDrift
	return Weights{
		EmbeddingDrift:      0,
		CapabilitySurprisal: w.CapabilitySurprisal + extra*(w.CapabilitySurprisal/rest),
		ViolationRate:       w.ViolationRate + extra*(w.ViolationRate/rest),
		VelocityAnomaly:     w.VelocityAnomaly + extra*(w.VelocityAnomaly/rest),
		Temporal:            w.Temporal + extra*(w.Temporal/rest),
	}
}

// Thresholds carries the default risk-level boundaries from SPEC_FULL
// §4.2; a score falling in [Warning, Throttle) is WARNING, and so on.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Throttle float64 `yaml:"throttle"`
	Pause    float64 `yaml:"pause"`
	Kill     float64 `yaml:"kill"`
}

var DefaultThresholds = Thresholds{Warning: 0.30, Throttle: 0.50, Pause: 0.70, Kill: 0.85}

// Classify maps a composite score to a risk level using this threshold
// profile. Exported so the Plan Simulator can check a cloned score
// against the same boundaries without duplicating them.
func (t Thresholds) Classify(score float64) kernel.RiskLevel {
	switch {
	case score >= t.Kill:
		return kernel.RiskKill
	case score >= t.Pause:
		return kernel.RiskPause
	case score >= t.Throttle:
		return kernel.RiskThrottle
	case score >= t.Warning:
		return kernel.RiskWarning
	default:
		return kernel.RiskOK
	}
}

// Severity ranks RiskLevel for the one-directional-transition invariant.
// RiskUnknown (fingerprint corruption quarantine) ranks alongside KILL:
// both refuse further intents until an operator intervenes. Exported so
// the Plan Simulator can compare a cloned score's level against PAUSE
// without duplicating the ranking.
func Severity(l kernel.RiskLevel) int {
	switch l {
	case kernel.RiskOK:
		return 0
	case kernel.RiskWarning:
		return 1
	case kernel.RiskThrottle:
		return 2
	case kernel.RiskPause:
		return 3
	case kernel.RiskKill, kernel.RiskUnknown:
		return 4
	default:
		return 0
	}
}

// ResurrectionResetScore is the composite risk a resurrected agent is
// reset to: WARNING threshold − ε, per the resolved Open Question on
// resurrection semantics (SPEC_FULL §9).
const ResurrectionResetScore = 0.29

// DefaultMaxResurrections is the default cap on resurrect() calls per
// agent.
const DefaultMaxResurrections = 3

// ScoreHistoryLimit bounds the in-memory score history kept for charts.
const ScoreHistoryLimit = 50

type agentRisk struct {
	mu             sync.Mutex
	score          float64
	level          kernel.RiskLevel
	history        []float64
	lastTransition time.Time
	reason         string
	resurrections  int
}

// Engine owns the behavioral fingerprint store, the embedding provider,
// and per-agent risk state, and appends DRIFT_ALERT, FORENSIC_SNAPSHOT,
// and RESURRECTION entries to the audit ledger as a side effect of its
// own operations.
type Engine struct {
	fingerprints *fingerprint.Store
	embedder     *embedding.BoundedProvider
	ledger       *ledger.Ledger
	logger       *slog.Logger

	weights          Weights
	thresholds       Thresholds
	maxResurrections int

	mu    sync.RWMutex
	risks map[string]*agentRisk
}

// Config adjusts Engine's scoring profile away from the defaults.
type Config struct {
	Weights          Weights
	Thresholds       Thresholds
	MaxResurrections int
}

// DefaultConfig returns the SPEC_FULL §4.2 default scoring profile.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights, Thresholds: DefaultThresholds, MaxResurrections: DefaultMaxResurrections}
}

func NewEngine(fp *fingerprint.Store, embedder *embedding.BoundedProvider, led *ledger.Ledger, cfg Config, logger *slog.Logger) (*Engine, error) {
	if math.Abs(cfg.Weights.sum()-1.0) > 1e-6 {
		return nil, fmt.Errorf("drift weights must sum to 1.0, got %f", cfg.Weights.sum())
	}
	if cfg.MaxResurrections <= 0 {
		cfg.MaxResurrections = DefaultMaxResurrections
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fingerprints:     fp,
		embedder:         embedder,
		ledger:           led,
		logger:           logger.With("component", "drift.Engine"),
		weights:          cfg.Weights,
		thresholds:       cfg.Thresholds,
		maxResurrections: cfg.MaxResurrections,
		risks:            make(map[string]*agentRisk),
	}, nil
}

func (e *Engine) riskFor(agentID string) *agentRisk {
	e.mu.RLock()
	r, ok := e.risks[agentID]
	e.mu.RUnlock()
	if ok {
		return r
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.risks[agentID]; ok {
		return r
	}
	r = &agentRisk{level: kernel.RiskOK}
	e.risks[agentID] = r
	return r
}

// Observe folds a new intent into the agent's fingerprint, recomputes the
// composite risk score, and enforces thresholds. If the agent is already
// frozen at KILL or UNKNOWN, the call is a no-op aside from reporting the
// frozen state: no fingerprint mutation is observable, per invariant 5.
func (e *Engine) Observe(ctx context.Context, intent kernel.Intent, denied bool) (float64, kernel.RiskLevel, *kernel.DriftAlert, error) {
	risk := e.riskFor(intent.AgentID)

	risk.mu.Lock()
	defer risk.mu.Unlock()

	if risk.level == kernel.RiskKill || risk.level == kernel.RiskUnknown {
		return risk.score, risk.level, nil, nil
	}

	vec, degraded, err := e.embedder.EmbedWithFallback(ctx, intent.Description)
	if err != nil {
		return risk.score, risk.level, nil, fmt.Errorf("embed intent: %w", err)
	}

	var learning bool
	var signals []kernel.SignalScore

	e.fingerprints.With(intent.AgentID, func(fp *fingerprint.Fingerprint) {
		learning = fp.InLearningPhase()
		w := e.weights
		if learning {
			w = w.redistributeForLearning()
		}

		embDrift, capSurprisal, violRate, temporal := PreUpdateSignals(fp, intent.Capabilities, intent.Timestamp.Hour(), vec)

		entry := fingerprint.HistoryEntry{
			IntentID:     intent.ID,
			Timestamp:    intent.Timestamp,
			Embedding:    vec,
			Capabilities: intent.Capabilities,
		}
		prevAvg, delta, hadPrev := fp.Observe(entry, intent.Capabilities, denied)

		signals = BuildSignalScores(embDrift, capSurprisal, violRate, temporal, prevAvg, delta, hadPrev, w)
	})

	score := Composite(signals)

	classified := e.thresholds.Classify(score)
	if learning && Severity(classified) > Severity(kernel.RiskThrottle) {
		// No PAUSE or KILL during learning; still computed, just capped.
		classified = kernel.RiskThrottle
	}

	newLevel := classified
	if Severity(risk.level) > Severity(newLevel) {
		newLevel = risk.level // one-directional except via resurrect
	}

	risk.score = score
	risk.history = append(risk.history, score)
	if len(risk.history) > ScoreHistoryLimit {
		risk.history = risk.history[len(risk.history)-ScoreHistoryLimit:]
	}

	var alert *kernel.DriftAlert
	if Severity(newLevel) > Severity(risk.level) && newLevel != kernel.RiskOK {
		alert = e.buildAlert(intent, newLevel, score, signals, degraded)
		e.appendAlert(ctx, alert)
	}
	if newLevel == kernel.RiskKill && risk.level != kernel.RiskKill {
		e.appendForensicSnapshot(ctx, intent.AgentID, intent.ID)
	}

	risk.level = newLevel
	risk.lastTransition = time.Now().UTC()
	if alert != nil {
		risk.reason = alert.Explanation
	}

	return score, newLevel, alert, nil
}

// Status returns a read-only snapshot of an agent's current risk state.
func (e *Engine) Status(agentID string) kernel.RiskState {
	risk := e.riskFor(agentID)
	risk.mu.Lock()
	defer risk.mu.Unlock()
	history := append([]float64(nil), risk.history...)
	return kernel.RiskState{
		AgentID:           agentID,
		Score:             risk.score,
		Level:             risk.level,
		ScoreHistory:      history,
		LastTransition:    risk.lastTransition,
		Reason:            risk.reason,
		ResurrectionCount: risk.resurrections,
	}
}

// Resurrect transitions an agent from KILL back to OK, subject to the
// configured maximum resurrection count. Per the resolved Open Question
// (SPEC_FULL §9), the composite risk resets to ResurrectionResetScore and
// the violation counter clears, but history and capability map survive.
func (e *Engine) Resurrect(ctx context.Context, agentID, adminID, reason string) (bool, string) {
	risk := e.riskFor(agentID)
	risk.mu.Lock()
	defer risk.mu.Unlock()

	if risk.level != kernel.RiskKill {
		return false, "agent is not in KILL state"
	}
	if risk.resurrections >= e.maxResurrections {
		return false, fmt.Sprintf("resurrection cap (%d) reached for this agent", e.maxResurrections)
	}

	risk.resurrections++
	risk.score = ResurrectionResetScore
	risk.level = kernel.RiskOK
	risk.lastTransition = time.Now().UTC()
	risk.reason = reason
	risk.history = append(risk.history, ResurrectionResetScore)

	e.fingerprints.With(agentID, func(fp *fingerprint.Fingerprint) {
		fp.ViolationWindow = [10]bool{}
		fp.ViolationCursor = 0
		fp.ViolationCount = 0
		fp.ResurrectionCount = risk.resurrections
	})

	if e.ledger != nil {
		_, err := e.ledger.Append(ctx, kernel.EventResurrection, agentID, map[string]any{
			"admin_id":           adminID,
			"reason":             reason,
			"resurrection_count": risk.resurrections,
		})
		if err != nil {
			e.logger.Error("failed to append resurrection entry", "agent_id", agentID, "error", err)
		}
	}

	return true, fmt.Sprintf("agent %s resurrected (%d/%d)", agentID, risk.resurrections, e.maxResurrections)
}

// Quarantine forces an agent into RiskUnknown, used when its fingerprint
// is discovered corrupted (e.g. a snapshot restore produced an
// inconsistent centroid). Unlike KILL this is not resurrection-eligible;
// it requires an operator to rebuild the fingerprint from scratch.
func (e *Engine) Quarantine(agentID, reason string) {
	risk := e.riskFor(agentID)
	risk.mu.Lock()
	defer risk.mu.Unlock()
	risk.level = kernel.RiskUnknown
	risk.reason = reason
	risk.lastTransition = time.Now().UTC()
}

func (e *Engine) buildAlert(intent kernel.Intent, level kernel.RiskLevel, score float64, signals []kernel.SignalScore, degraded bool) *kernel.DriftAlert {
	sorted := append([]kernel.SignalScore(nil), signals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Contribution > sorted[j].Contribution })
	top := sorted
	if len(top) > 2 {
		top = top[:2]
	}

	explanation := fmt.Sprintf("agent %s transitioned to %s (score %.2f), dominant signals: %s, %s",
		intent.AgentID, level, score, top[0].Name, top[1].Name)
	if degraded {
		explanation += " (embedding degraded to hash fallback)"
	}

	severityTag := "INFO"
	switch level {
	case kernel.RiskThrottle:
		severityTag = "WARNING"
	case kernel.RiskPause:
		severityTag = "CRITICAL"
	case kernel.RiskKill:
		severityTag = "CRITICAL"
	}

	action := "monitor"
	switch level {
	case kernel.RiskThrottle:
		action = "rate-limit the agent and review recent intents"
	case kernel.RiskPause:
		action = "review and explicitly resume the agent"
	case kernel.RiskKill:
		action = "review the forensic snapshot before resurrecting"
	}

	return &kernel.DriftAlert{
		AgentID:         intent.AgentID,
		IntentID:        intent.ID,
		Level:           level,
		Score:           score,
		TopSignals:      top,
		Explanation:     explanation,
		Severity:        severityTag,
		SuggestedAction: action,
		Timestamp:       time.Now().UTC(),
	}
}

func (e *Engine) appendAlert(ctx context.Context, alert *kernel.DriftAlert) {
	if e.ledger == nil {
		return
	}
	if _, err := e.ledger.Append(ctx, kernel.EventDriftAlert, alert.AgentID, alert); err != nil {
		e.logger.Error("failed to append drift alert", "agent_id", alert.AgentID, "error", err)
	}
}

func (e *Engine) appendForensicSnapshot(ctx context.Context, agentID, intentID string) {
	if e.ledger == nil {
		return
	}
	snap := e.fingerprints.Snapshot(agentID)
	if _, err := e.ledger.Append(ctx, kernel.EventForensicSnapshot, agentID, map[string]any{
		"intent_id":         intentID,
		"centroid_dims":     len(snap.Centroid),
		"capability_counts": snap.CapabilityCounts,
		"max_privilege":     snap.MaxPrivilege,
		"history_count":     snap.Count,
	}); err != nil {
		e.logger.Error("failed to append forensic snapshot", "agent_id", agentID, "error", err)
	}
}
