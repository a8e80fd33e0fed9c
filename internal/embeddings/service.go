// Package embeddings caches embedding vectors in front of an embedding
// provider. Embeddings are deterministic per model, so entries never
// expire; the LRU bound only caps memory.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roelfdiedericks/mindforge/internal/llm"
	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// DefaultCacheSize bounds the LRU cache.
const DefaultCacheSize = 10000

// Service wraps an Embedder with an LRU cache keyed by the SHA-256 of
// the normalized text. A nil client is allowed: every call returns nil
// vectors and the degradation is logged once at construction.
type Service struct {
	client       llm.Embedder
	providerName string
	cache        *lru.Cache[string, []float32]
	hits         atomic.Int64
	misses       atomic.Int64
	onAPICall    func(provider string)
}

// New creates a Service. client may be nil when no embedding provider is
// configured.
func New(client llm.Embedder, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	if client == nil {
		logging.L_warn("embeddings: no embedding provider configured, semantic operations disabled")
	}
	name := "embeddings"
	if named, ok := client.(interface{ Name() string }); ok {
		name = named.Name()
	}
	return &Service{client: client, providerName: name, cache: cache}, nil
}

// SetAPICallObserver registers fn to be invoked once per provider fetch
// (cache hits never fire it). Set before first use.
func (s *Service) SetAPICallObserver(fn func(provider string)) {
	s.onAPICall = fn
}

func (s *Service) countAPICall() {
	if s.onAPICall != nil {
		s.onAPICall(s.providerName)
	}
}

// Enabled reports whether an embedding provider is configured.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// cacheKey normalizes the text (trim + lowercase) and hashes it so the
// cache treats trivially different spellings of the same question alike.
func cacheKey(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Embed returns the vector for one text, serving from cache when
// possible. Returns nil without error when no provider is configured.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.client == nil {
		return nil, nil
	}

	key := cacheKey(text)
	if vec, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return vec, nil
	}
	s.misses.Add(1)

	vec, err := s.client.Embed(ctx, text)
	s.countAPICall()
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds a list of texts, serving cached entries and fetching
// the rest in a single API call. The result aligns with the input; it is
// all-nil when no provider is configured.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if s.client == nil {
		return out, nil
	}

	var missingIdx []int
	var missingTexts []string
	for i, text := range texts {
		if vec, ok := s.cache.Get(cacheKey(text)); ok {
			s.hits.Add(1)
			out[i] = vec
			continue
		}
		s.misses.Add(1)
		missingIdx = append(missingIdx, i)
		missingTexts = append(missingTexts, text)
	}

	if len(missingTexts) == 0 {
		return out, nil
	}

	vectors, err := s.client.EmbedBatch(ctx, missingTexts)
	s.countAPICall()
	if err != nil {
		return nil, err
	}
	for j, i := range missingIdx {
		out[i] = vectors[j]
		s.cache.Add(cacheKey(texts[i]), vectors[j])
	}
	return out, nil
}

// CacheStats reports hit/miss counters and current cache size.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Stats returns a snapshot of the cache counters.
func (s *Service) Stats() CacheStats {
	return CacheStats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Size:   s.cache.Len(),
	}
}
