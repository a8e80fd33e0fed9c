package embeddings

import (
	"context"
	"testing"
)

// fakeEmbedder counts calls and returns a fixed-direction vector per text.
type fakeEmbedder struct {
	singleCalls int
	batchCalls  int
}

func vectorFor(text string) []float32 {
	v := make([]float32, 4)
	for i, c := range []byte(text) {
		v[i%4] += float32(c)
	}
	return v
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.singleCalls++
	return vectorFor(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbeddingDimensions() int { return 4 }

func TestEmbedCachesByNormalizedText(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, err := New(fake, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	first, err := svc.Embed(ctx, "What comes next?")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// Same text modulo case and surrounding whitespace must hit the cache.
	second, err := svc.Embed(ctx, "  what comes NEXT?  ")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.singleCalls != 1 {
		t.Fatalf("provider called %d times, want 1", fake.singleCalls)
	}
	if len(first) != len(second) {
		t.Fatal("cached vector differs")
	}

	stats := svc.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestEmbedNilClient(t *testing.T) {
	svc, err := New(nil, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("nil client must report disabled")
	}
	vec, err := svc.Embed(context.Background(), "anything")
	if err != nil || vec != nil {
		t.Fatalf("nil client: vec=%v err=%v, want nil/nil", vec, err)
	}
	batch, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil || len(batch) != 2 || batch[0] != nil {
		t.Fatalf("nil client batch: %v, %v", batch, err)
	}
}

func TestEmbedBatchFetchesOnlyMisses(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, err := New(fake, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.Embed(ctx, "cached one"); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	out, err := svc.EmbedBatch(ctx, []string{"cached one", "new one", "another new"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("batch length = %d", len(out))
	}
	for i, v := range out {
		if v == nil {
			t.Fatalf("missing vector at %d", i)
		}
	}
	if fake.batchCalls != 1 {
		t.Fatalf("batch calls = %d, want 1", fake.batchCalls)
	}

	// Everything is cached now; a repeat batch makes no provider calls.
	if _, err := svc.EmbedBatch(ctx, []string{"cached one", "new one"}); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if fake.batchCalls != 1 || fake.singleCalls != 1 {
		t.Fatalf("cache not used: single=%d batch=%d", fake.singleCalls, fake.batchCalls)
	}
}

func TestAPICallObserverFiresOnFetchesOnly(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, err := New(fake, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var calls []string
	svc.SetAPICallObserver(func(provider string) { calls = append(calls, provider) })

	ctx := context.Background()
	if _, err := svc.Embed(ctx, "fresh text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// Cache hit: no provider fetch, no observer call.
	if _, err := svc.Embed(ctx, "fresh text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := svc.EmbedBatch(ctx, []string{"fresh text", "other text"}); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("observer fired %d times, want 2 (single fetch + batch fetch)", len(calls))
	}
	// The fake carries no provider name; the service falls back to a
	// generic label.
	if calls[0] != "embeddings" {
		t.Fatalf("provider label = %q", calls[0])
	}
}

func TestCacheEviction(t *testing.T) {
	fake := &fakeEmbedder{}
	svc, err := New(fake, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		if _, err := svc.Embed(ctx, text); err != nil {
			t.Fatalf("Embed: %v", err)
		}
	}
	if svc.Stats().Size != 2 {
		t.Fatalf("cache size = %d, want 2", svc.Stats().Size)
	}
	// "a" was evicted; embedding it again is a miss.
	if _, err := svc.Embed(ctx, "a"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.singleCalls != 4 {
		t.Fatalf("single calls = %d, want 4", fake.singleCalls)
	}
}
