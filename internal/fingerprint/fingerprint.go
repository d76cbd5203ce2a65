// Package fingerprint maintains the per-agent behavioral profile the
// Drift Engine scores new intents against: a bounded intent history, a
// running embedding centroid, a capability frequency map, an
// hour-of-day histogram, and inter-arrival timing statistics.
package fingerprint

import (
	"time"
)

// HistoryWindow is W, the ring buffer size for recent intents.
const HistoryWindow = 20

// LearningIntents is L, the number of intents during which PAUSE/KILL
// thresholds do not fire while the fingerprint establishes a baseline.
const LearningIntents = 20

// HistoryEntry is one remembered intent, enough to recompute signals and
// to seed a forensic snapshot without re-reading the ledger.
type HistoryEntry struct {
	IntentID     string
	Timestamp    time.Time
	Embedding    []float32
	Capabilities []string
	Denied       bool
}

// Fingerprint is the mutable per-agent state. All mutation happens
// through Observe, which callers must serialize via the per-agent lock
// in Store — Fingerprint itself has no lock of its own.
type Fingerprint struct {
	AgentID string

	// history is a fixed-size ring buffer; Count is the number of
	// intents ever observed (may exceed len(history)).
	history    [HistoryWindow]HistoryEntry
	cursor     int
	Count      int

	Centroid         []float32
	CapabilityCounts map[string]int
	TotalCapObs      int
	HourHistogram    [24]int

	lastTimestamp   time.Time
	haveLast        bool
	AvgInterval     time.Duration // exponential moving average, smoothing λ=0.2

	ViolationWindow  [10]bool // ring of the last 10 intents' deny/not-deny
	ViolationCursor  int
	ViolationCount   int // observed so far, capped at len(ViolationWindow)

	MaxPrivilege      int
	ResurrectionCount int
}

// New creates an empty fingerprint for an agent, as of its first intent.
func New(agentID string) *Fingerprint {
	return &Fingerprint{
		AgentID:          agentID,
		CapabilityCounts: make(map[string]int),
	}
}

// InLearningPhase reports whether the fingerprint has not yet seen L
// intents.
func (fp *Fingerprint) InLearningPhase() bool {
	return fp.Count < LearningIntents
}

// History returns the most recent min(Count, W) entries, oldest first.
func (fp *Fingerprint) History() []HistoryEntry {
	n := fp.Count
	if n > HistoryWindow {
		n = HistoryWindow
	}
	out := make([]HistoryEntry, n)
	// cursor points at the slot the *next* write will use; the oldest
	// of the n valid entries is therefore at cursor-n (mod W) when the
	// buffer has wrapped, or at 0 when it hasn't.
	start := fp.cursor - n
	if start < 0 {
		start += HistoryWindow
	}
	for i := 0; i < n; i++ {
		out[i] = fp.history[(start+i)%HistoryWindow]
	}
	return out
}

// Observe folds a new intent into the fingerprint: ring buffer, centroid,
// capability counts, hour histogram, inter-arrival EMA, and violation
// window. It returns the previous inter-arrival duration baseline so the
// caller (Drift Engine) can compute the velocity-anomaly signal before
// the EMA is updated for this intent.
func (fp *Fingerprint) Observe(entry HistoryEntry, capabilities []string, denied bool) (prevAvgInterval time.Duration, delta time.Duration, hadPrev bool) {
	entry.Denied = denied
	fp.history[fp.cursor] = entry
	fp.cursor = (fp.cursor + 1) % HistoryWindow
	fp.Count++

	fp.recomputeCentroid()

	for _, c := range capabilities {
		fp.CapabilityCounts[c]++
		fp.TotalCapObs++
	}

	fp.HourHistogram[entry.Timestamp.Hour()]++

	prevAvgInterval = fp.AvgInterval
	if fp.haveLast {
		delta = entry.Timestamp.Sub(fp.lastTimestamp)
		hadPrev = true
		if fp.AvgInterval == 0 {
			fp.AvgInterval = delta
		} else {
			const lambda = 0.2
			fp.AvgInterval = time.Duration(lambda*float64(delta) + (1-lambda)*float64(fp.AvgInterval))
		}
	}
	fp.lastTimestamp = entry.Timestamp
	fp.haveLast = true

	fp.ViolationWindow[fp.ViolationCursor] = denied
	fp.ViolationCursor = (fp.ViolationCursor + 1) % len(fp.ViolationWindow)
	if fp.ViolationCount < len(fp.ViolationWindow) {
		fp.ViolationCount++
	}

	return prevAvgInterval, delta, hadPrev
}

// recomputeCentroid recomputes the running mean over the current window
// of history entries that carry an embedding. Correctness over
// micro-optimization: W is small (20), so a full O(W) pass per intent is
// cheap and avoids any drift from incremental update error.
func (fp *Fingerprint) recomputeCentroid() {
	entries := fp.History()
	var dims int
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			dims = len(e.Embedding)
			break
		}
	}
	if dims == 0 {
		fp.Centroid = nil
		return
	}

	sum := make([]float64, dims)
	var n int
	for _, e := range entries {
		if len(e.Embedding) != dims {
			continue
		}
		for i, v := range e.Embedding {
			sum[i] += float64(v)
		}
		n++
	}
	if n == 0 {
		fp.Centroid = nil
		return
	}
	centroid := make([]float32, dims)
	for i, s := range sum {
		centroid[i] = float32(s / float64(n))
	}
	fp.Centroid = centroid
}

// ViolationRate is the number of policy denials among the last up-to-10
// intents, divided by the window length (10) even before 10 intents have
// been observed.
func (fp *Fingerprint) ViolationRate() float64 {
	if fp.ViolationCount == 0 {
		return 0
	}
	var denied int
	for i := 0; i < fp.ViolationCount; i++ {
		if fp.ViolationWindow[i] {
			denied++
		}
	}
	return float64(denied) / float64(len(fp.ViolationWindow))
}

// HourMass returns the current hour bucket's share of the maximum bucket
// mass, used (inverted) by the temporal/contextual signal.
func (fp *Fingerprint) HourMass(hour int) float64 {
	max := 0
	for _, c := range fp.HourHistogram {
		if c > max {
			max = c
		}
	}
	if max == 0 {
		return 0
	}
	return float64(fp.HourHistogram[hour]) / float64(max)
}

// Clone returns a deep copy, used by the Plan Simulator so speculative
// steps never mutate the real fingerprint (invariant 6).
func (fp *Fingerprint) Clone() *Fingerprint {
	clone := *fp
	clone.CapabilityCounts = make(map[string]int, len(fp.CapabilityCounts))
	for k, v := range fp.CapabilityCounts {
		clone.CapabilityCounts[k] = v
	}
	if fp.Centroid != nil {
		clone.Centroid = append([]float32(nil), fp.Centroid...)
	}
	return &clone
}
