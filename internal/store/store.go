// Package store persists evaluated questions to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/mindforge/internal/embeddings"
	"github.com/roelfdiedericks/mindforge/internal/logging"
	"github.com/roelfdiedericks/mindforge/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	question_text TEXT NOT NULL,
	question_type TEXT NOT NULL,
	difficulty_level TEXT NOT NULL,
	correct_answer TEXT NOT NULL,
	answer_options TEXT NOT NULL,
	explanation TEXT,
	stimulus TEXT,
	sub_type TEXT,
	metadata TEXT,
	source_llm TEXT,
	source_model TEXT,
	judge_score REAL,
	prompt_version TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	question_embedding TEXT,
	distractor_stats TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_type ON questions(question_type);
CREATE INDEX IF NOT EXISTS idx_questions_active ON questions(is_active);
`

// Store writes evaluated questions to the questions table. Embeddings are
// computed at insert time; a failed or unconfigured embedding leaves the
// column null rather than failing the insert.
type Store struct {
	db            *sql.DB
	embedder      *embeddings.Service
	promptVersion string
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string, embedder *embeddings.Service, promptVersion string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	logging.L_info("store: database ready", "path", path)
	return &Store{db: db, embedder: embedder, promptVersion: promptVersion}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExistingQuestionTexts returns the text of every active question, used
// by the deduplicator as the existing corpus.
func (s *Store) ExistingQuestionTexts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT question_text FROM questions WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying existing questions: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

// enrichMetadata folds the raw subscores and judge model into the
// question metadata so overall can be recomputed offline under a
// different judge policy.
func enrichMetadata(ev types.EvaluatedQuestion) map[string]any {
	metadata := make(map[string]any, len(ev.Question.Metadata)+2)
	for k, v := range ev.Question.Metadata {
		metadata[k] = v
	}
	metadata["evaluation_scores"] = map[string]any{
		"clarity":    ev.Evaluation.Clarity,
		"difficulty": ev.Evaluation.Difficulty,
		"validity":   ev.Evaluation.Validity,
		"formatting": ev.Evaluation.Formatting,
		"creativity": ev.Evaluation.Creativity,
		"feedback":   ev.Evaluation.Feedback,
	}
	metadata["judge_model"] = ev.JudgeModel
	return metadata
}

// insertRow writes one question inside tx. embedding may be nil.
func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, ev types.EvaluatedQuestion, embedding []float32) (string, error) {
	id := uuid.NewString()

	options, err := json.Marshal(ev.Question.AnswerOptions)
	if err != nil {
		return "", fmt.Errorf("marshaling answer options: %w", err)
	}
	metadata, err := json.Marshal(enrichMetadata(ev))
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	var embeddingJSON any
	if embedding != nil {
		raw, err := json.Marshal(embedding)
		if err != nil {
			return "", fmt.Errorf("marshaling embedding: %w", err)
		}
		embeddingJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO questions (
			id, question_text, question_type, difficulty_level,
			correct_answer, answer_options, explanation, stimulus, sub_type,
			metadata, source_llm, source_model,
			judge_score, prompt_version, is_active,
			question_embedding, distractor_stats, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, NULL, ?)`,
		id,
		ev.Question.QuestionText,
		string(ev.Question.QuestionType),
		string(ev.Question.DifficultyLevel),
		ev.Question.CorrectAnswer,
		string(options),
		ev.Question.Explanation,
		ev.Question.Stimulus,
		ev.Question.SubType,
		string(metadata),
		ev.Question.SourceLLM,
		ev.Question.SourceModel,
		ev.Evaluation.Overall,
		s.promptVersion,
		embeddingJSON,
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting question: %w", err)
	}
	return id, nil
}

// embed computes the question embedding, tolerating failure.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil || !s.embedder.Enabled() {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		logging.L_warn("store: embedding failed, storing null", "error", err)
		return nil
	}
	return vec
}

// InsertEvaluatedQuestion writes one question in its own transaction.
func (s *Store) InsertEvaluatedQuestion(ctx context.Context, ev types.EvaluatedQuestion) (string, error) {
	embedding := s.embed(ctx, ev.Question.QuestionText)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}

	id, err := s.insertRow(ctx, tx, ev, embedding)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing insert: %w", err)
	}
	return id, nil
}

// InsertEvaluatedQuestionsBatch writes all questions in one transaction:
// one batch embedding call, then one bulk insert. Any row failure rolls
// the whole batch back.
func (s *Store) InsertEvaluatedQuestionsBatch(ctx context.Context, list []types.EvaluatedQuestion) ([]string, error) {
	if len(list) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(list))
	if s.embedder != nil && s.embedder.Enabled() {
		texts := make([]string, len(list))
		for i, ev := range list {
			texts[i] = ev.Question.QuestionText
		}
		batch, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logging.L_warn("store: batch embedding failed, storing nulls", "error", err, "count", len(list))
		} else {
			vectors = batch
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	ids := make([]string, 0, len(list))
	for i, ev := range list {
		id, err := s.insertRow(ctx, tx, ev, vectors[i])
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	logging.L_info("store: batch inserted", "count", len(ids))
	return ids, nil
}

// CountQuestions returns the number of stored questions.
func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n)
	return n, err
}
