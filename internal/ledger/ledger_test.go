package ledger

import (
	"context"
	"testing"

	"github.com/aegiscore/aegis/internal/kernel"
)

func newLedger(t *testing.T) (*Ledger, Store) {
	t.Helper()
	store := NewMemoryStore()
	signer, err := NewDemoSigner(nil)
	if err != nil {
		t.Fatalf("NewDemoSigner: %v", err)
	}
	led, err := New(store, signer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return led, store
}

func TestLedgerAppendLinksHashChain(t *testing.T) {
	led, _ := newLedger(t)
	ctx := context.Background()

	first, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.PrevHash != genesisHash {
		t.Errorf("first.PrevHash = %q, want genesis", first.PrevHash)
	}
	if first.Hash == "" {
		t.Fatal("expected non-empty hash")
	}

	second, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second.PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("second.Seq = %d, want %d", second.Seq, first.Seq+1)
	}
}

func TestLedgerAppendDistinctHashesForSamePayload(t *testing.T) {
	led, _ := newLedger(t)
	ctx := context.Background()

	a, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"tool": "read_file"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	b, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"tool": "read_file"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatal("expected distinct hashes for distinct seq/timestamp even with identical payload")
	}
}

func TestLedgerVerifyChainOnUntamperedChain(t *testing.T) {
	led, _ := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"i": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ok, brokenID, err := led.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !ok {
		t.Fatalf("expected chain intact, first broken id = %d", brokenID)
	}
}

func TestLedgerVerifyChainDetectsTamperedPayload(t *testing.T) {
	led, store := newLedger(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := store.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	mem := store.(*MemoryStore)
	tampered := records[0]
	tampered.Payload = append([]byte{}, tampered.Payload...)
	tampered.Payload[0] ^= 0xFF
	mem.records[0] = tampered

	ok, brokenID, err := led.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if ok {
		t.Fatal("expected chain to be detected as broken")
	}
	if brokenID != records[0].ID {
		t.Errorf("brokenID = %d, want %d", brokenID, records[0].ID)
	}
}

func TestLedgerAppendRefusedAfterBrokenChain(t *testing.T) {
	led, store := newLedger(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mem := store.(*MemoryStore)
	rec := mem.records[0]
	rec.Hash = "tampered"
	mem.records[0] = rec

	ok, _, err := led.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if ok {
		t.Fatal("expected VerifyChain to report broken")
	}

	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 2}); err == nil {
		t.Fatal("expected Append to refuse writes on a broken chain")
	}

	led.Reconcile()

	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 3}); err != nil {
		t.Fatalf("Append after Reconcile: %v", err)
	}
}

func TestLedgerExportFiltersByKindAndAgent(t *testing.T) {
	led, _ := newLedger(t)
	ctx := context.Background()

	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := led.Append(ctx, kernel.EventDriftAlert, "agent-1", map[string]any{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := led.Append(ctx, kernel.EventIntentVerified, "agent-2", map[string]any{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	byKind, err := led.Export(ctx, Filter{Kind: kernel.EventIntentVerified})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(byKind) != 2 {
		t.Fatalf("len(byKind) = %d, want 2", len(byKind))
	}

	byAgent, err := led.Export(ctx, Filter{AgentID: "agent-2"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(byAgent) != 1 {
		t.Fatalf("len(byAgent) = %d, want 1", len(byAgent))
	}

	both, err := led.Export(ctx, Filter{Kind: kernel.EventIntentVerified, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(both) != 1 {
		t.Fatalf("len(both) = %d, want 1", len(both))
	}

	all, err := led.Export(ctx, Filter{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}

func TestLedgerNewRecoversTailFromExistingStore(t *testing.T) {
	store := NewMemoryStore()
	signer, err := NewDemoSigner(nil)
	if err != nil {
		t.Fatalf("NewDemoSigner: %v", err)
	}
	led, err := New(store, signer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	last, err := led.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := New(store, signer, nil)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	next, err := reopened.Append(ctx, kernel.EventIntentVerified, "agent-1", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next.PrevHash != last.Hash {
		t.Errorf("PrevHash after reopen = %q, want %q", next.PrevHash, last.Hash)
	}
	if next.Seq != last.Seq+1 {
		t.Errorf("Seq after reopen = %d, want %d", next.Seq, last.Seq+1)
	}
}

func TestDemoSignerVerifyRejectsWrongSignature(t *testing.T) {
	signer, err := NewDemoSigner(nil)
	if err != nil {
		t.Fatalf("NewDemoSigner: %v", err)
	}
	digest := []byte("some digest bytes")
	sig, demo, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !demo {
		t.Fatal("expected DemoSigner to report demo=true")
	}
	if !signer.Verify(digest, sig) {
		t.Fatal("expected Verify to accept its own signature")
	}
	if signer.Verify(digest, "deadbeef") {
		t.Fatal("expected Verify to reject a bogus signature")
	}
}
