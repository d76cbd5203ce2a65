package drift

import (
	"math"
	"time"

	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/kernel"
)

// capabilitySmoothing is the Laplace smoothing constant α applied to
// unseen capabilities when estimating p(c) from the fingerprint's
// capability frequency map.
const capabilitySmoothing = 0.01

// surprisalK is the squashing constant k in x/(x+k) used to map the
// unbounded mean negative log-likelihood into [0,1).
const surprisalK = 3.0

// embeddingDrift is 1 − cosine(e, centroid). With no centroid yet (first
// intent, or a corrupted fingerprint with no recoverable embeddings) the
// signal is reported as 0: there is nothing to have drifted from.
func embeddingDrift(e, centroid []float32) float64 {
	if len(centroid) == 0 || len(e) == 0 {
		return 0
	}
	return 1 - embedding.Cosine(e, centroid)
}

// capabilitySurprisal is the mean of −log p(c) over declared
// capabilities, Laplace-smoothed and squashed to [0,1).
func capabilitySurprisal(fp *fingerprint.Fingerprint, capabilities []string) float64 {
	if len(capabilities) == 0 {
		return 0
	}
	total := float64(fp.TotalCapObs)
	var sum float64
	for _, c := range capabilities {
		count := float64(fp.CapabilityCounts[c])
		p := (count + capabilitySmoothing) / (total + capabilitySmoothing)
		sum += -math.Log(p)
	}
	mean := sum / float64(len(capabilities))
	return mean / (mean + surprisalK)
}

// violationRate is the fraction of the last 10 intents that were policy
// denials, read straight off the fingerprint.
func violationRate(fp *fingerprint.Fingerprint) float64 {
	return fp.ViolationRate()
}

// velocityAnomaly is |Δinterval| / baseline, clamped to [0,1]. With no
// established baseline yet (first intent for the agent, or the baseline
// is exactly zero) the signal is 0: there is no anomaly without a
// history to compare against.
func velocityAnomaly(baseline, delta time.Duration, hadPrev bool) float64 {
	if !hadPrev || baseline <= 0 {
		return 0
	}
	diff := delta - baseline
	if diff < 0 {
		diff = -diff
	}
	v := float64(diff) / float64(baseline)
	if v > 1 {
		v = 1
	}
	return v
}

// temporalAnomaly is the current hour bucket's mass relative to the
// fingerprint's busiest bucket, inverted so an unusual off-hours action
// scores high.
func temporalAnomaly(fp *fingerprint.Fingerprint, hour int) float64 {
	return 1 - fp.HourMass(hour)
}

// PreUpdateSignals computes the four signals that must be read from fp
// *before* it is folded into by fp.Observe — calling this after Observe
// would score an intent against a fingerprint that already contains
// itself. Exported so both the Drift Engine's observe path and the Plan
// Simulator's speculative scoring share one implementation.
func PreUpdateSignals(fp *fingerprint.Fingerprint, capabilities []string, hour int, vec []float32) (embDrift, capSurprisal, violRate, temporal float64) {
	embDrift = embeddingDrift(vec, fp.Centroid)
	capSurprisal = capabilitySurprisal(fp, capabilities)
	violRate = violationRate(fp)
	temporal = temporalAnomaly(fp, hour)
	return
}

// BuildSignalScores assembles the final five-signal set once the
// pre-update signals and the post-Observe velocity anomaly (which needs
// fp.Observe's returned baseline) are both known.
func BuildSignalScores(embDrift, capSurprisal, violRate, temporal float64, prevAvg, delta time.Duration, hadPrev bool, w Weights) []kernel.SignalScore {
	velocity := velocityAnomaly(prevAvg, delta, hadPrev)
	return []kernel.SignalScore{
		{Name: "embedding_drift", Weight: w.EmbeddingDrift, Value: embDrift, Contribution: w.EmbeddingDrift * embDrift},
		{Name: "capability_surprisal", Weight: w.CapabilitySurprisal, Value: capSurprisal, Contribution: w.CapabilitySurprisal * capSurprisal},
		{Name: "violation_rate", Weight: w.ViolationRate, Value: violRate, Contribution: w.ViolationRate * violRate},
		{Name: "velocity_anomaly", Weight: w.VelocityAnomaly, Value: velocity, Contribution: w.VelocityAnomaly * velocity},
		{Name: "temporal_contextual", Weight: w.Temporal, Value: temporal, Contribution: w.Temporal * temporal},
	}
}

// Composite sums a signal set's contributions and clamps to [0,1].
func Composite(signals []kernel.SignalScore) float64 {
	var score float64
	for _, s := range signals {
		score += s.Contribution
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
