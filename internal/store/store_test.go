package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/roelfdiedericks/mindforge/internal/embeddings"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

type stubEmbedder struct {
	fail bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, errors.New("embedding backend down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (s *stubEmbedder) EmbeddingDimensions() int { return 3 }

func openTestStore(t *testing.T, embedder *stubEmbedder) *Store {
	t.Helper()
	var svc *embeddings.Service
	var err error
	if embedder != nil {
		svc, err = embeddings.New(embedder, 16)
	} else {
		svc, err = embeddings.New(nil, 16)
	}
	if err != nil {
		t.Fatalf("embeddings.New: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), svc, "v2.1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvaluated(text string) types.EvaluatedQuestion {
	return types.EvaluatedQuestion{
		Question: types.GeneratedQuestion{
			QuestionText:    text,
			QuestionType:    types.TypeLogic,
			DifficultyLevel: types.DifficultyMedium,
			CorrectAnswer:   "B",
			AnswerOptions:   []string{"A", "B", "C", "D"},
			Explanation:     "because",
			SourceLLM:       "anthropic",
			SourceModel:     "claude-sonnet-4-5",
			Metadata:        map[string]any{"seed": "x"},
		},
		Evaluation: types.EvaluationScore{
			Clarity: 0.9, Difficulty: 0.5, Validity: 0.85,
			Formatting: 0.95, Creativity: 0.6,
			Feedback: "good", Overall: 0.86,
		},
		JudgeModel: "gpt-5",
		Approved:   true,
	}
}

func TestInsertEvaluatedQuestion(t *testing.T) {
	s := openTestStore(t, &stubEmbedder{})
	ctx := context.Background()

	id, err := s.InsertEvaluatedQuestion(ctx, sampleEvaluated("Does it persist?"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("empty id")
	}

	var (
		judgeScore    float64
		promptVersion string
		isActive      int
		metadataJSON  string
		embeddingJSON sql.NullString
	)
	err = s.db.QueryRow(`SELECT judge_score, prompt_version, is_active, metadata, question_embedding FROM questions WHERE id = ?`, id).
		Scan(&judgeScore, &promptVersion, &isActive, &metadataJSON, &embeddingJSON)
	if err != nil {
		t.Fatalf("reading row back: %v", err)
	}
	if judgeScore != 0.86 {
		t.Errorf("judge_score = %v, want 0.86", judgeScore)
	}
	if promptVersion != "v2.1" {
		t.Errorf("prompt_version = %q", promptVersion)
	}
	if isActive != 1 {
		t.Error("is_active must default to 1")
	}
	if !embeddingJSON.Valid {
		t.Error("embedding missing")
	}

	var metadata map[string]any
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		t.Fatalf("metadata not JSON: %v", err)
	}
	scores, ok := metadata["evaluation_scores"].(map[string]any)
	if !ok {
		t.Fatalf("evaluation_scores missing from metadata: %v", metadata)
	}
	if scores["clarity"] != 0.9 {
		t.Errorf("clarity = %v, want 0.9", scores["clarity"])
	}
	if metadata["judge_model"] != "gpt-5" {
		t.Errorf("judge_model = %v", metadata["judge_model"])
	}
	if metadata["seed"] != "x" {
		t.Error("original metadata keys lost")
	}
}

func TestInsertWithFailedEmbeddingStoresNull(t *testing.T) {
	s := openTestStore(t, &stubEmbedder{fail: true})
	ctx := context.Background()

	id, err := s.InsertEvaluatedQuestion(ctx, sampleEvaluated("Embedding down?"))
	if err != nil {
		t.Fatalf("insert must tolerate embedding failure: %v", err)
	}

	var embeddingJSON sql.NullString
	if err := s.db.QueryRow(`SELECT question_embedding FROM questions WHERE id = ?`, id).Scan(&embeddingJSON); err != nil {
		t.Fatalf("reading row: %v", err)
	}
	if embeddingJSON.Valid {
		t.Fatal("embedding should be null after failure")
	}
}

func TestInsertBatch(t *testing.T) {
	s := openTestStore(t, &stubEmbedder{})
	ctx := context.Background()

	list := []types.EvaluatedQuestion{
		sampleEvaluated("first?"),
		sampleEvaluated("second?"),
		sampleEvaluated("third?"),
	}
	ids, err := s.InsertEvaluatedQuestionsBatch(ctx, list)
	if err != nil {
		t.Fatalf("batch insert: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %d, want 3", len(ids))
	}

	n, err := s.CountQuestions(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestInsertBatchEmpty(t *testing.T) {
	s := openTestStore(t, nil)
	ids, err := s.InsertEvaluatedQuestionsBatch(context.Background(), nil)
	if err != nil || ids != nil {
		t.Fatalf("empty batch: ids=%v err=%v", ids, err)
	}
}

func TestExistingQuestionTexts(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	for _, text := range []string{"alpha?", "beta?"} {
		if _, err := s.InsertEvaluatedQuestion(ctx, sampleEvaluated(text)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	texts, err := s.ExistingQuestionTexts(ctx)
	if err != nil {
		t.Fatalf("ExistingQuestionTexts: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("texts = %v, want 2 entries", texts)
	}
}
