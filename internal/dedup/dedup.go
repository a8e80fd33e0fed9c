// Package dedup detects duplicate questions with an exact-match pass
// followed by embedding cosine similarity.
package dedup

import (
	"context"
	"math"
	"strings"

	"github.com/roelfdiedericks/mindforge/internal/embeddings"
	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// DefaultSimilarityThreshold is the cosine similarity at or above which
// two questions count as semantic duplicates.
const DefaultSimilarityThreshold = 0.85

// DuplicateType discriminates how a duplicate was found.
type DuplicateType string

const (
	DuplicateExact    DuplicateType = "exact"
	DuplicateSemantic DuplicateType = "semantic"
)

// CheckResult reports the outcome of one duplicate check.
type CheckResult struct {
	IsDuplicate     bool          `json:"is_duplicate"`
	DuplicateType   DuplicateType `json:"duplicate_type,omitempty"`
	SimilarityScore float64       `json:"similarity_score"`
	Matched         string        `json:"matched,omitempty"`
}

// Config controls the deduplicator.
type Config struct {
	SimilarityThreshold float64
	// FailOpen treats check failures as non-duplicates instead of
	// blocking generation. On by default.
	FailOpen bool
}

// DefaultConfig returns the shipped dedup settings.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityThreshold,
		FailOpen:            true,
	}
}

// Deduplicator checks candidates against existing question text.
type Deduplicator struct {
	embedder *embeddings.Service
	cfg      Config
}

// New creates a Deduplicator. The embedding service may be disabled, in
// which case only the exact pass runs.
func New(embedder *embeddings.Service, cfg Config) *Deduplicator {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Deduplicator{embedder: embedder, cfg: cfg}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CosineSimilarity computes the cosine similarity of two vectors,
// clamped to [0,1]. Zero-norm or mismatched inputs return 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Floating point can overshoot the mathematical range.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// CheckDuplicate tests a candidate against existing question texts,
// short-circuiting on the first exact match and otherwise comparing
// embeddings against the similarity threshold.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, candidate string, existing []string) (CheckResult, error) {
	normCandidate := normalize(candidate)
	for _, text := range existing {
		if normCandidate == normalize(text) {
			return CheckResult{
				IsDuplicate:     true,
				DuplicateType:   DuplicateExact,
				SimilarityScore: 1.0,
				Matched:         text,
			}, nil
		}
	}

	if d.embedder == nil || !d.embedder.Enabled() {
		return CheckResult{}, nil
	}

	candidateVec, err := d.embedder.Embed(ctx, candidate)
	if err != nil {
		return CheckResult{}, err
	}
	if candidateVec == nil {
		return CheckResult{}, nil
	}

	var maxSim float64
	var maxText string
	for _, text := range existing {
		if strings.TrimSpace(text) == "" {
			continue
		}
		vec, err := d.embedder.Embed(ctx, text)
		if err != nil {
			return CheckResult{}, err
		}
		if sim := CosineSimilarity(candidateVec, vec); sim > maxSim {
			maxSim = sim
			maxText = text
		}
	}

	if maxSim >= d.cfg.SimilarityThreshold {
		return CheckResult{
			IsDuplicate:     true,
			DuplicateType:   DuplicateSemantic,
			SimilarityScore: maxSim,
			Matched:         maxText,
		}, nil
	}
	return CheckResult{SimilarityScore: 0}, nil
}

// CheckBatch runs independent per-candidate checks. When FailOpen is set
// (the default), a failed check is logged and treated as non-duplicate so
// an embedding outage does not silently block generation; otherwise the
// error is surfaced.
func (d *Deduplicator) CheckBatch(ctx context.Context, candidates []string, existing []string) ([]CheckResult, error) {
	out := make([]CheckResult, len(candidates))
	for i, candidate := range candidates {
		result, err := d.CheckDuplicate(ctx, candidate, existing)
		if err != nil {
			if !d.cfg.FailOpen {
				return nil, err
			}
			logging.L_warn("dedup: check failed, treating as non-duplicate", "index", i, "error", err)
			out[i] = CheckResult{}
			continue
		}
		out[i] = result
	}
	return out, nil
}
