package drift

import (
	"context"
	"testing"
	"time"

	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/kernel"
	"github.com/aegiscore/aegis/internal/ledger"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	fp := fingerprint.NewStore(nil)
	hash := embedding.NewHashProvider(32)
	embedder := embedding.NewBoundedProvider(hash, hash)

	store := ledger.NewMemoryStore()
	signer, err := ledger.NewDemoSigner(nil)
	if err != nil {
		t.Fatalf("NewDemoSigner: %v", err)
	}
	led, err := ledger.New(store, signer, nil)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	engine, err := NewEngine(fp, embedder, led, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func testIntent(agentID, description string) kernel.Intent {
	return kernel.Intent{
		ID:          "intent-1",
		AgentID:     agentID,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Tool:        "read_file",
	}
}

func TestNewEngineRejectsWeightsNotSummingToOne(t *testing.T) {
	fp := fingerprint.NewStore(nil)
	hash := embedding.NewHashProvider(32)
	embedder := embedding.NewBoundedProvider(hash, hash)

	_, err := NewEngine(fp, embedder, nil, Config{Weights: Weights{EmbeddingDrift: 0.5}, Thresholds: DefaultThresholds}, nil)
	if err == nil {
		t.Fatal("expected an error for weights not summing to 1.0")
	}
}

func TestThresholdsClassify(t *testing.T) {
	th := DefaultThresholds
	cases := []struct {
		score float64
		want  kernel.RiskLevel
	}{
		{0.0, kernel.RiskOK},
		{0.35, kernel.RiskWarning},
		{0.55, kernel.RiskThrottle},
		{0.75, kernel.RiskPause},
		{0.90, kernel.RiskKill},
	}
	for _, c := range cases {
		if got := th.Classify(c.score); got != c.want {
			t.Errorf("Classify(%.2f) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if Severity(kernel.RiskKill) != Severity(kernel.RiskUnknown) {
		t.Fatal("expected KILL and UNKNOWN to rank equally")
	}
	if Severity(kernel.RiskPause) <= Severity(kernel.RiskThrottle) {
		t.Fatal("expected PAUSE to outrank THROTTLE")
	}
	if Severity(kernel.RiskOK) >= Severity(kernel.RiskWarning) {
		t.Fatal("expected OK to rank below WARNING")
	}
}

func TestEngineObserveStartsAtOK(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	score, level, _, err := engine.Observe(ctx, testIntent("agent-1", "read a file"), false)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if level != kernel.RiskOK {
		t.Errorf("level = %v, want RiskOK for a single benign intent, score=%.2f", level, score)
	}
	status := engine.Status("agent-1")
	if status.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", status.AgentID)
	}
}

func TestEngineObserveIsNoOpWhenKilled(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	risk := engine.riskFor("agent-1")
	risk.mu.Lock()
	risk.level = kernel.RiskKill
	risk.score = 0.95
	risk.mu.Unlock()

	score, level, alert, err := engine.Observe(ctx, testIntent("agent-1", "anything"), false)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if level != kernel.RiskKill {
		t.Fatalf("level = %v, want RiskKill (frozen)", level)
	}
	if score != 0.95 {
		t.Errorf("score = %.2f, want unchanged 0.95", score)
	}
	if alert != nil {
		t.Error("expected no alert while frozen")
	}
}

func TestEngineResurrectRequiresKillState(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ok, msg := engine.Resurrect(ctx, "agent-1", "admin-1", "manual review cleared")
	if ok {
		t.Fatal("expected Resurrect to refuse a non-killed agent")
	}
	if msg == "" {
		t.Fatal("expected a non-empty rejection message")
	}
}

func TestEngineResurrectResetsScoreAndIncrementsCount(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	risk := engine.riskFor("agent-1")
	risk.mu.Lock()
	risk.level = kernel.RiskKill
	risk.mu.Unlock()

	ok, _ := engine.Resurrect(ctx, "agent-1", "admin-1", "cleared")
	if !ok {
		t.Fatal("expected Resurrect to succeed from KILL state")
	}

	status := engine.Status("agent-1")
	if status.Level != kernel.RiskOK {
		t.Fatalf("Level = %v, want RiskOK after resurrect", status.Level)
	}
	if status.Score != ResurrectionResetScore {
		t.Errorf("Score = %.2f, want %.2f", status.Score, ResurrectionResetScore)
	}
	if status.ResurrectionCount != 1 {
		t.Errorf("ResurrectionCount = %d, want 1", status.ResurrectionCount)
	}
}

func TestEngineResurrectEnforcesMaxCap(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	engine.maxResurrections = 1

	risk := engine.riskFor("agent-1")
	risk.mu.Lock()
	risk.level = kernel.RiskKill
	risk.mu.Unlock()

	ok, _ := engine.Resurrect(ctx, "agent-1", "admin-1", "cleared")
	if !ok {
		t.Fatal("expected first resurrection to succeed")
	}

	risk.mu.Lock()
	risk.level = kernel.RiskKill
	risk.mu.Unlock()

	ok, msg := engine.Resurrect(ctx, "agent-1", "admin-1", "cleared again")
	if ok {
		t.Fatal("expected second resurrection to be refused by the cap")
	}
	if msg == "" {
		t.Fatal("expected a non-empty cap-reached message")
	}
}

func TestEngineQuarantineSetsUnknown(t *testing.T) {
	engine := newTestEngine(t)
	engine.Quarantine("agent-1", "corrupted centroid on snapshot restore")

	status := engine.Status("agent-1")
	if status.Level != kernel.RiskUnknown {
		t.Fatalf("Level = %v, want RiskUnknown", status.Level)
	}
	if status.Reason == "" {
		t.Fatal("expected a non-empty quarantine reason")
	}
}

func TestWeightsRedistributeForLearningZeroesEmbedding(t *testing.T) {
	redistributed := DefaultWeights.redistributeForLearning()
	if redistributed.EmbeddingDrift != 0 {
		t.Errorf("EmbeddingDrift = %.2f, want 0", redistributed.EmbeddingDrift)
	}
	sum := redistributed.CapabilitySurprisal + redistributed.ViolationRate + redistributed.VelocityAnomaly + redistributed.Temporal
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("redistributed weights sum = %.4f, want ~1.0", sum)
	}
}
