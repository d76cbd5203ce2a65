package embedding

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHashProviderIsDeterministic(t *testing.T) {
	p := NewHashProvider(16)
	a, err := p.Embed(context.Background(), "read a file")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(context.Background(), "read a file")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Embed not deterministic at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHashProviderDifferentTextsDiffer(t *testing.T) {
	p := NewHashProvider(16)
	a, _ := p.Embed(context.Background(), "read a file")
	b, _ := p.Embed(context.Background(), "delete the database")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected distinct texts to produce distinct embeddings")
	}
}

func TestHashProviderDimensionsDefaultsWhenNonPositive(t *testing.T) {
	p := NewHashProvider(0)
	if p.Dimensions() != 128 {
		t.Fatalf("Dimensions() = %d, want 128 default", p.Dimensions())
	}
}

func TestHashProviderVectorIsUnitNorm(t *testing.T) {
	p := NewHashProvider(32)
	vec, err := p.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq < 0.99 || sumSq > 1.01 {
		t.Fatalf("||vec||^2 = %.4f, want ~1.0", sumSq)
	}
}

func TestCosineIdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	if c := Cosine(v, v); c < 0.999 || c > 1.001 {
		t.Fatalf("Cosine(v, v) = %.4f, want ~1.0", c)
	}
}

func TestCosineMismatchedLengthIsZero(t *testing.T) {
	if c := Cosine([]float32{1, 2}, []float32{1, 2, 3}); c != 0 {
		t.Fatalf("Cosine with mismatched lengths = %.2f, want 0", c)
	}
}

func TestCosineZeroMagnitudeIsZero(t *testing.T) {
	if c := Cosine([]float32{0, 0, 0}, []float32{1, 2, 3}); c != 0 {
		t.Fatalf("Cosine with a zero vector = %.2f, want 0", c)
	}
}

type stubProvider struct {
	vec []float32
	err error
	delay time.Duration
}

func (s *stubProvider) Dimensions() int { return len(s.vec) }

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.vec, s.err
}

func TestBoundedProviderUsesInnerWhenHealthy(t *testing.T) {
	inner := &stubProvider{vec: []float32{1, 0, 0}}
	fallback := NewHashProvider(3)
	bp := NewBoundedProvider(inner, fallback)

	vec, degraded, err := bp.EmbedWithFallback(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if degraded {
		t.Fatal("expected not degraded when the inner provider succeeds")
	}
	if vec[0] != 1 {
		t.Fatalf("vec = %v, want the inner provider's vector", vec)
	}
}

func TestBoundedProviderFallsBackOnInnerError(t *testing.T) {
	inner := &stubProvider{err: errors.New("provider unavailable")}
	fallback := NewHashProvider(8)
	bp := NewBoundedProvider(inner, fallback)

	vec, degraded, err := bp.EmbedWithFallback(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if !degraded {
		t.Fatal("expected degraded=true when the inner provider errors")
	}
	if len(vec) != 8 {
		t.Fatalf("len(vec) = %d, want 8 (fallback dims)", len(vec))
	}
}

func TestBoundedProviderFallsBackOnContextTimeout(t *testing.T) {
	inner := &stubProvider{vec: []float32{1, 0}, delay: 50 * time.Millisecond}
	fallback := NewHashProvider(4)
	bp := NewBoundedProvider(inner, fallback)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	vec, degraded, err := bp.EmbedWithFallback(ctx, "hello")
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if !degraded {
		t.Fatal("expected degraded=true on context timeout")
	}
	if len(vec) != 4 {
		t.Fatalf("len(vec) = %d, want 4 (fallback dims)", len(vec))
	}
}

func TestBoundedProviderNilInnerAlwaysDegraded(t *testing.T) {
	fallback := NewHashProvider(4)
	bp := NewBoundedProvider(nil, fallback)

	_, degraded, err := bp.EmbedWithFallback(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedWithFallback: %v", err)
	}
	if !degraded {
		t.Fatal("expected degraded=true with no inner provider configured")
	}
}
