package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// SessionRepository persists session records in PostgreSQL. Writes are
// idempotent: a record only replaces the stored row when its version is
// newer, and answer revisions and integrity events are insert-only.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, assessment_id, examinee_id, attempt_number, status,
	started_at, deadline_at, submitted_at, question_order, score,
	needs_review, review_reason, abandon_reason, ip_address, user_agent,
	integrity_counts, integrity_dropped, version, updated_at`

// Save writes one record in its own transaction.
func (r *SessionRepository) Save(ctx context.Context, rec *model.SessionRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return saveTx(ctx, tx, rec)
	})
}

// SaveBatch writes every record in a single transaction. On error nothing is
// written and the caller falls back to Save per record.
func (r *SessionRepository) SaveBatch(ctx context.Context, recs []*model.SessionRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, rec := range recs {
			if err := saveTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("session %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

func saveTx(ctx context.Context, tx pgx.Tx, rec *model.SessionRecord) error {
	order, err := json.Marshal(rec.QuestionOrder)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(rec.IntegrityCounts)
	if err != nil {
		return err
	}
	var score []byte
	if rec.Score != nil {
		if score, err = json.Marshal(rec.Score); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE SET
		     status            = EXCLUDED.status,
		     submitted_at      = EXCLUDED.submitted_at,
		     score             = EXCLUDED.score,
		     needs_review      = EXCLUDED.needs_review,
		     review_reason     = EXCLUDED.review_reason,
		     abandon_reason    = EXCLUDED.abandon_reason,
		     integrity_counts  = EXCLUDED.integrity_counts,
		     integrity_dropped = EXCLUDED.integrity_dropped,
		     version           = EXCLUDED.version,
		     updated_at        = EXCLUDED.updated_at
		 WHERE sessions.version < EXCLUDED.version`,
		rec.ID, rec.AssessmentID, rec.ExamineeID, rec.AttemptNumber, rec.Status,
		rec.StartedAt, rec.DeadlineAt, rec.SubmittedAt, order, score,
		rec.NeedsReview, rec.ReviewReason, rec.AbandonReason, rec.Client.IPAddress, rec.Client.UserAgent,
		counts, rec.IntegrityDropped, rec.Version, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if len(rec.Answers) > 0 {
		n := len(rec.Answers)
		questionIDs := make([]string, n)
		revisions := make([]int32, n)
		values := make([]string, n)
		recordedAts := make([]time.Time, n)
		for i, a := range rec.Answers {
			raw, err := json.Marshal(a.Value)
			if err != nil {
				return err
			}
			questionIDs[i] = a.QuestionID
			revisions[i] = int32(a.Revision)
			values[i] = string(raw)
			recordedAts[i] = a.RecordedAt
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO session_answers (session_id, question_id, revision, value, recorded_at)
			 SELECT $1, u.question_id, u.revision, u.value::jsonb, u.recorded_at
			 FROM UNNEST($2::text[], $3::int[], $4::text[], $5::timestamptz[])
			      AS u (question_id, revision, value, recorded_at)
			 ON CONFLICT (session_id, question_id, revision) DO NOTHING`,
			rec.ID, questionIDs, revisions, values, recordedAts,
		)
		if err != nil {
			return fmt.Errorf("insert answers: %w", err)
		}
	}

	if len(rec.IntegrityEvents) > 0 {
		n := len(rec.IntegrityEvents)
		seqs := make([]int32, n)
		kinds := make([]string, n)
		occurredAts := make([]time.Time, n)
		details := make([]string, n)
		for i, e := range rec.IntegrityEvents {
			seqs[i] = int32(e.Seq)
			kinds[i] = string(e.Kind)
			occurredAts[i] = e.OccurredAt
			details[i] = e.Detail
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO session_integrity_events (session_id, seq, kind, occurred_at, detail)
			 SELECT $1, u.seq, u.kind, u.occurred_at, u.detail
			 FROM UNNEST($2::int[], $3::text[], $4::timestamptz[], $5::text[])
			      AS u (seq, kind, occurred_at, detail)
			 ON CONFLICT (session_id, seq) DO NOTHING`,
			rec.ID, seqs, kinds, occurredAts, details,
		)
		if err != nil {
			return fmt.Errorf("insert integrity events: %w", err)
		}
	}
	return nil
}

// Load returns model.ErrSessionNotFound for unknown ids.
func (r *SessionRepository) Load(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	rec, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListInProgress returns every unfinished record, earliest deadline first.
func (r *SessionRepository) ListInProgress(ctx context.Context) ([]model.SessionRecord, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('CREATED', 'IN_PROGRESS')
		 ORDER BY deadline_at`)
}

// ListByAssessment returns every record of one assessment, newest first.
func (r *SessionRepository) ListByAssessment(ctx context.Context, assessmentID string) ([]model.SessionRecord, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE assessment_id = $1
		 ORDER BY started_at DESC`, assessmentID)
}

// LastAttemptNumber returns the highest attempt number stored for the pair,
// or zero.
func (r *SessionRepository) LastAttemptNumber(ctx context.Context, examineeID, assessmentID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0)
		 FROM sessions
		 WHERE examinee_id = $1 AND assessment_id = $2`,
		examineeID, assessmentID,
	).Scan(&n)
	return n, err
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...any) ([]model.SessionRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var out []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Children are loaded after the cursor is closed so the connection is free.
	for i := range out {
		if err := r.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SessionRepository) loadChildren(ctx context.Context, rec *model.SessionRecord) error {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, revision, value, recorded_at
		 FROM session_answers
		 WHERE session_id = $1
		 ORDER BY question_id, revision`, rec.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	for rows.Next() {
		var (
			a   model.AnswerRecord
			raw []byte
		)
		if err := rows.Scan(&a.QuestionID, &a.Revision, &raw, &a.RecordedAt); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal(raw, &a.Value); err != nil {
			rows.Close()
			return fmt.Errorf("decode answer %s rev %d: %w", a.QuestionID, a.Revision, err)
		}
		rec.Answers = append(rec.Answers, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT seq, kind, occurred_at, detail
		 FROM session_integrity_events
		 WHERE session_id = $1
		 ORDER BY seq`, rec.ID)
	if err != nil {
		return fmt.Errorf("load integrity events: %w", err)
	}
	defer rows.Close()
	rec.IntegrityEvents = []model.IntegrityEvent{}
	for rows.Next() {
		var e model.IntegrityEvent
		if err := rows.Scan(&e.Seq, &e.Kind, &e.OccurredAt, &e.Detail); err != nil {
			return err
		}
		rec.IntegrityEvents = append(rec.IntegrityEvents, e)
	}
	return rows.Err()
}

func scanSession(row pgx.Row) (*model.SessionRecord, error) {
	var (
		rec           model.SessionRecord
		order, counts []byte
		score         []byte
	)
	err := row.Scan(
		&rec.ID, &rec.AssessmentID, &rec.ExamineeID, &rec.AttemptNumber, &rec.Status,
		&rec.StartedAt, &rec.DeadlineAt, &rec.SubmittedAt, &order, &score,
		&rec.NeedsReview, &rec.ReviewReason, &rec.AbandonReason, &rec.Client.IPAddress, &rec.Client.UserAgent,
		&counts, &rec.IntegrityDropped, &rec.Version, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(order, &rec.QuestionOrder); err != nil {
		return nil, fmt.Errorf("decode question order: %w", err)
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &rec.IntegrityCounts); err != nil {
			return nil, fmt.Errorf("decode integrity counts: %w", err)
		}
	}
	if len(score) > 0 {
		rec.Score = &model.Score{}
		if err := json.Unmarshal(score, rec.Score); err != nil {
			return nil, fmt.Errorf("decode score: %w", err)
		}
	}
	return &rec, nil
}
