package dedup

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/roelfdiedericks/mindforge/internal/embeddings"
)

// fixedEmbedder maps texts to preset vectors; unknown texts error.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, errors.New("embedding backend down")
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fixedEmbedder) EmbeddingDimensions() int { return 3 }

func newService(t *testing.T, e *fixedEmbedder) *embeddings.Service {
	t.Helper()
	svc, err := embeddings.New(e, 64)
	if err != nil {
		t.Fatalf("embeddings.New: %v", err)
	}
	return svc
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite clamps to 0", []float32{1, 0, 0}, []float32{-1, 0, 0}, 0},
		{"zero norm", []float32{0, 0, 0}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
	}
	for _, tc := range cases {
		if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExactMatchShortCircuits(t *testing.T) {
	// Embedder knows no texts, so any embedding attempt would fail;
	// the exact pass must answer first.
	d := New(newService(t, &fixedEmbedder{}), DefaultConfig())

	result, err := d.CheckDuplicate(context.Background(), "  What is 2+2?  ", []string{"other", "what is 2+2?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsDuplicate || result.DuplicateType != DuplicateExact {
		t.Fatalf("result = %+v, want exact duplicate", result)
	}
	if result.SimilarityScore != 1.0 {
		t.Fatalf("score = %v, want 1.0", result.SimilarityScore)
	}
}

func TestSemanticMatchAtThreshold(t *testing.T) {
	// cos(candidate, close) ~ 0.894; cos(candidate, far) = 0.
	e := &fixedEmbedder{vectors: map[string][]float32{
		"candidate": {1, 0, 0},
		"close":     {2, 1, 0},
		"far":       {0, 1, 0},
	}}
	d := New(newService(t, e), Config{SimilarityThreshold: 0.85, FailOpen: true})

	result, err := d.CheckDuplicate(context.Background(), "candidate", []string{"far", "close"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsDuplicate || result.DuplicateType != DuplicateSemantic {
		t.Fatalf("result = %+v, want semantic duplicate", result)
	}
	if result.Matched != "close" {
		t.Fatalf("matched = %q, want close", result.Matched)
	}
	if result.SimilarityScore < 0.89 || result.SimilarityScore > 0.90 {
		t.Fatalf("score = %v, want ~0.894", result.SimilarityScore)
	}
}

func TestBelowThresholdIsNotDuplicate(t *testing.T) {
	e := &fixedEmbedder{vectors: map[string][]float32{
		"candidate": {1, 0, 0},
		"kindred":   {1, 1, 0}, // cos ~ 0.707
	}}
	d := New(newService(t, e), Config{SimilarityThreshold: 0.85, FailOpen: true})

	result, err := d.CheckDuplicate(context.Background(), "candidate", []string{"kindred"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsDuplicate {
		t.Fatalf("result = %+v, want non-duplicate", result)
	}
	if result.SimilarityScore != 0 {
		t.Fatalf("non-duplicate score = %v, want 0", result.SimilarityScore)
	}
}

func TestEmptyExistingSkipped(t *testing.T) {
	e := &fixedEmbedder{vectors: map[string][]float32{
		"candidate": {1, 0, 0},
	}}
	d := New(newService(t, e), DefaultConfig())

	// Empty existing texts must be skipped, not embedded (embedding ""
	// would error with this fake).
	result, err := d.CheckDuplicate(context.Background(), "candidate", []string{"", "   "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsDuplicate {
		t.Fatalf("result = %+v, want non-duplicate", result)
	}
}

func TestDisabledEmbedderExactOnly(t *testing.T) {
	svc, err := embeddings.New(nil, 16)
	if err != nil {
		t.Fatalf("embeddings.New: %v", err)
	}
	d := New(svc, DefaultConfig())

	result, err := d.CheckDuplicate(context.Background(), "fresh question", []string{"different question"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsDuplicate {
		t.Fatal("no embedder: only exact matches can be duplicates")
	}
}

func TestCheckBatchFailOpen(t *testing.T) {
	// "broken" has no vector, so its semantic pass errors.
	e := &fixedEmbedder{vectors: map[string][]float32{
		"fine": {1, 0, 0},
		"old":  {0, 1, 0},
	}}
	d := New(newService(t, e), Config{SimilarityThreshold: 0.85, FailOpen: true})

	results, err := d.CheckBatch(context.Background(), []string{"fine", "broken"}, []string{"old"})
	if err != nil {
		t.Fatalf("fail-open batch returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results length = %d", len(results))
	}
	if results[1].IsDuplicate {
		t.Fatal("failed check must count as non-duplicate when failing open")
	}
}

func TestCheckBatchFailClosed(t *testing.T) {
	e := &fixedEmbedder{vectors: map[string][]float32{}}
	d := New(newService(t, e), Config{SimilarityThreshold: 0.85, FailOpen: false})

	_, err := d.CheckBatch(context.Background(), []string{"broken"}, []string{"old"})
	if err == nil {
		t.Fatal("fail-closed batch must surface the error")
	}
}
