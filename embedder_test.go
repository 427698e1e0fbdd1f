package latentcontext

import (
	"math"
	"testing"

	"go.uber.org/zap"
)

func TestCosineZeroOnDimMismatch(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0}
	if got := cosine(a, b); got != 0 {
		t.Errorf("cosine with mismatched dims = %v, want 0", got)
	}
}

func TestCosineZeroOnZeroVector(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	if got := cosine(a, b); got != 0 {
		t.Errorf("cosine with zero vector = %v, want 0", got)
	}
}

func TestCosineIdenticalVectorsIsOne(t *testing.T) {
	a := []float32{1, 2, 3}
	got := cosine(a, a)
	if math.Abs(float64(got)-1.0) > 1e-5 {
		t.Errorf("cosine(a, a) = %v, want ~1.0", got)
	}
}

func TestL2NormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	l2Normalize(v)
	norm := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("normalized norm = %v, want ~1.0", norm)
	}
}

func TestEmbedderNoneProviderReturnsZeroVector(t *testing.T) {
	e := newEmbedder(EmbeddingConfig{Provider: ProviderNone, Dimensions: 8}, zap.NewNop().Sugar())
	vec := e.embed("hello world")
	if len(vec) != 8 {
		t.Fatalf("len(vec) = %d, want 8", len(vec))
	}
	for i, x := range vec {
		if x != 0 {
			t.Errorf("vec[%d] = %v, want 0", i, x)
		}
	}
}

func TestEmbedderLatchesInitFailure(t *testing.T) {
	// Local provider with no ModelDir configured fails init; both calls
	// should degrade to the zero vector without panicking, and the second
	// call must not attempt to re-run initialization.
	e := newEmbedder(EmbeddingConfig{Provider: ProviderLocal, Dimensions: 8}, zap.NewNop().Sugar())

	first := e.embed("alpha")
	second := e.embed("beta")

	if len(first) != 8 || len(second) != 8 {
		t.Fatalf("expected zero vectors of length 8")
	}
	if e.initErr == nil {
		t.Fatalf("expected initErr to be latched after a failed init")
	}
}

func TestEmbedBatchLengthMatchesInput(t *testing.T) {
	e := newEmbedder(EmbeddingConfig{Provider: ProviderNone, Dimensions: 4}, zap.NewNop().Sugar())
	out := e.embedBatch([]string{"a", "b", "c"})
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
}
