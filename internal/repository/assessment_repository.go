package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// AssessmentRepository reads and imports assessment definitions.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID returns the definition with its questions in authored order.
func (r *AssessmentRepository) GetByID(ctx context.Context, id string) (*model.AssessmentDefinition, error) {
	def := &model.AssessmentDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds, pass_threshold, randomize_order,
		        show_results_immediately, max_attempts
		 FROM assessments WHERE id = $1`, id,
	).Scan(&def.ID, &def.Title, &def.DurationSeconds, &def.PassThreshold, &def.RandomizeOrder,
		&def.ShowResultsImmediately, &def.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAssessmentNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, type, options, correct_answers, points, negative_points, penalty_cap, tolerance
		 FROM assessment_questions
		 WHERE assessment_id = $1
		 ORDER BY position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q             model.QuestionSpec
			options, keys []byte
		)
		if err := rows.Scan(&q.ID, &q.Type, &options, &keys, &q.Points, &q.NegativePoints, &q.PenaltyCap, &q.Tolerance); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", q.ID, err)
		}
		if err := json.Unmarshal(keys, &q.CorrectAnswers); err != nil {
			return nil, fmt.Errorf("decode answer key of %s: %w", q.ID, err)
		}
		def.Questions = append(def.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return def, nil
}

// Import inserts a definition. Definitions are immutable once sessions
// reference them, so an existing id is rejected rather than overwritten.
func (r *AssessmentRepository) Import(ctx context.Context, def *model.AssessmentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO assessments (id, title, duration_seconds, pass_threshold, randomize_order,
			                          show_results_immediately, max_attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			def.ID, def.Title, def.DurationSeconds, def.PassThreshold, def.RandomizeOrder,
			def.ShowResultsImmediately, def.MaxAttempts,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("assessment %s already exists; import it under a new id", def.ID)
		}

		batch := &pgx.Batch{}
		for i, q := range def.Questions {
			options, err := json.Marshal(nonNil(q.Options))
			if err != nil {
				return err
			}
			keys, err := json.Marshal(nonNil(q.CorrectAnswers))
			if err != nil {
				return err
			}
			batch.Queue(
				`INSERT INTO assessment_questions (assessment_id, id, position, type, options, correct_answers,
				                                   points, negative_points, penalty_cap, tolerance)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				def.ID, q.ID, i, q.Type, options, keys, q.Points, q.NegativePoints, q.PenaltyCap, q.Tolerance,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
