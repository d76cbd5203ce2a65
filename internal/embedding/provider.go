// Package embedding defines the external embedding provider contract the
// Drift Engine depends on, plus the deterministic hash-based fallback
// used when no real provider is configured or when a call fails/times
// out. The interface shape mirrors the EmbeddingProvider contract used
// elsewhere in the agent-infrastructure ecosystem for the same purpose:
// keep []float32 at the boundary so callers never need a vector-database
// client library just to call Embed.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
)

// Provider generates a fixed-dimension vector embedding for a piece of
// text. Implementations must be deterministic for a given model version;
// errors are recoverable by the caller (Drift Engine falls back to Hash).
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashProvider is the deterministic, dependency-free fallback embedding.
// It seeds a PRNG from SHA-256(text) and draws a unit vector from it, so
// the same text always yields the same vector and unrelated texts yield
// near-orthogonal ones on average — good enough for drift scoring tests
// and for degraded-mode operation when the real provider is unavailable.
type HashProvider struct {
	dims int
}

func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 128
	}
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Dimensions() int { return p.dims }

func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dims)

	state := seed
	var norm float64
	for i := 0; i < p.dims; i++ {
		if i%len(state) == 0 && i > 0 {
			state = sha256.Sum256(state[:])
		}
		b := state[i%len(state)]
		// Map a byte to [-1, 1].
		v := (float64(b)/255.0)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Cosine computes cosine similarity between two equal-length vectors.
// Returns 0 if either vector has zero magnitude (treated as maximally
// dissimilar for drift-scoring purposes, never divides by zero).
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// BoundedProvider wraps a Provider with a deadline, falling back to hash
// so the Drift Engine pipeline is never blocked by a slow or unavailable
// external embedding service.
type BoundedProvider struct {
	inner    Provider
	fallback *HashProvider
}

func NewBoundedProvider(inner Provider, fallback *HashProvider) *BoundedProvider {
	return &BoundedProvider{inner: inner, fallback: fallback}
}

func (p *BoundedProvider) Dimensions() int { return p.fallback.Dimensions() }

// EmbedWithFallback returns the real provider's embedding, or the hash
// fallback plus degraded=true if the provider errors or ctx expires.
func (p *BoundedProvider) EmbedWithFallback(ctx context.Context, text string) (vec []float32, degraded bool, err error) {
	if p.inner == nil {
		v, ferr := p.fallback.Embed(ctx, text)
		return v, true, ferr
	}

	type result struct {
		vec []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := p.inner.Embed(ctx, text)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		v, ferr := p.fallback.Embed(context.Background(), text)
		return v, true, ferr
	case r := <-ch:
		if r.err != nil {
			v, ferr := p.fallback.Embed(context.Background(), text)
			if ferr != nil {
				return nil, true, fmt.Errorf("embedding: provider failed (%v) and fallback failed: %w", r.err, ferr)
			}
			return v, true, nil
		}
		return r.vec, false, nil
	}
}
