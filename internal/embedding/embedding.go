// Package embedding defines the Embedder contract memory engine components
// depend on and ships a deterministic local implementation used when no
// native inference runtime is configured.
//
// The spec treats the actual text encoder as an opaque external
// collaborator (a pre-trained ONNX model). This package still carries some
// of the ambient concerns the original places on the embedder: native
// library lookup (DiscoverLibrary, which resolves afresh on every call and
// caches nothing), serialization of inference through a per-instance
// mutex, and a deterministic fallback so the rest of the system (and its
// tests) never need a real model on disk.
package embedding

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Embedder converts text into a fixed-dimension, L2-normalised vector.
// Implementations must be safe for concurrent use; inference itself may be
// internally serialised.
type Embedder interface {
	// Embed returns a deterministic vector for text, or ModelError if the
	// underlying model/tokenizer cannot run.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim reports the embedding dimension this instance produces.
	Dim() int
}

// ModelError wraps a failure to load or run the embedding model.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string { return fmt.Sprintf("embedding: %s: %v", e.Op, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// Local is a deterministic, dependency-free stand-in for the ONNX encoder.
// It hashes n-grams of the input into a fixed-width vector and L2-normalises
// the result, giving the determinism and normalisation contract the engine
// relies on without requiring a native runtime. Inference is serialised by
// mu, matching the spec's "not reentrant" threading note for the real
// model.
type Local struct {
	mu  sync.Mutex
	dim int
}

// NewLocal constructs a deterministic embedder bound to dim (the loaded
// model's output width; spec default 384, alt variant 768).
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = 384
	}
	return &Local{dim: dim}
}

func (l *Local) Dim() int { return l.dim }

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	vec := make([]float32, l.dim)
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return vec, nil
	}

	// Seed every dimension from overlapping trigrams of the normalised
	// text so that semantically close strings (shared substrings) land
	// closer together than unrelated ones, and identical input is always
	// identical output.
	runes := []rune(norm)
	for i := 0; i < len(runes); i++ {
		end := i + 3
		if end > len(runes) {
			end = len(runes)
		}
		gram := string(runes[i:end])
		h := fnv1a(gram)
		idx := int(h % uint64(l.dim))
		sign := float32(1)
		if (h>>7)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * (1.0 + float32(i)*0.001)
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	n := math.Sqrt(sumSq)
	if n < 1e-12 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / n)
	}
	return vec, nil
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// DiscoverLibrary resolves a native inference shared library path: first the
// path named by envVar, then libName alongside the executable. No other
// location is probed. It is exposed for callers that wire a real native
// encoder; Local never calls it.
func DiscoverLibrary(envVar, libName string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(envVar)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &ModelError{Op: "discover", Err: fmt.Errorf("%s not found via %s or alongside executable", libName, envVar)}
}
