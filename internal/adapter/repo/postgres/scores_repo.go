package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// ScoresRepo persists the incrementally updated calibration state.
type ScoresRepo struct {
	Pool       PgxPool
	MaxRetries int
}

// NewScoresRepo constructs a ScoresRepo with the given pool.
func NewScoresRepo(p PgxPool, maxRetries int) *ScoresRepo {
	return &ScoresRepo{Pool: p, MaxRetries: maxRetries}
}

// Create inserts the session row if absent; duplicate creates are no-ops.
func (r *ScoresRepo) Create(ctx context.Context, sessionID string) error {
	tracer := otel.Tracer("repo.scores")
	ctx, span := tracer.Start(ctx, "scores.Create")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))
	q := `INSERT INTO scores (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`
	err := r.retry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=scores.create: %w", err)
	}
	return nil
}

// Latest loads the current scores record for the session.
func (r *ScoresRepo) Latest(ctx context.Context, sessionID string) (domain.ScoresRecord, error) {
	tracer := otel.Tracer("repo.scores")
	ctx, span := tracer.Start(ctx, "scores.Latest")
	defer span.End()
	q := `SELECT session_id, stage, batch_counter, alpha, scores, alphas, uncertainties,
		coverages, setsizes, confidences, accuracy, correct_preds, total_samples
		FROM scores WHERE session_id=$1`
	row := r.Pool.QueryRow(ctx, q, sessionID)
	var rec domain.ScoresRecord
	var stage int
	if err := row.Scan(&rec.SessionID, &stage, &rec.BatchCounter, &rec.Alpha, &rec.Scores,
		&rec.Alphas, &rec.Uncertainties, &rec.Coverages, &rec.SetSizes, &rec.Confidences,
		&rec.Accuracy, &rec.CorrectPreds, &rec.TotalSamples); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScoresRecord{}, fmt.Errorf("op=scores.latest: %w", domain.ErrNotFound)
		}
		return domain.ScoresRecord{}, fmt.Errorf("op=scores.latest: %w", err)
	}
	s, err := domain.StageFromInt(stage)
	if err != nil {
		return domain.ScoresRecord{}, fmt.Errorf("op=scores.latest: %w", err)
	}
	rec.Stage = s
	return rec, nil
}

// Apply applies one update in a single atomic UPDATE. Array pushes and the
// confidences concat are expressed server-side so retries stay commutative.
func (r *ScoresRepo) Apply(ctx context.Context, sessionID string, u domain.ScoresUpdate) error {
	tracer := otel.Tracer("repo.scores")
	ctx, span := tracer.Start(ctx, "scores.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "scores"),
	)

	sets := []string{"updated_at = now()"}
	args := []any{sessionID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Stage != nil {
		sets = append(sets, "stage = "+arg(int(*u.Stage)))
	}
	if u.BatchCounter != nil {
		sets = append(sets, "batch_counter = "+arg(*u.BatchCounter))
	}
	if u.Alpha != nil {
		sets = append(sets, "alpha = "+arg(*u.Alpha))
	}
	if u.Scores != nil {
		sets = append(sets, "scores = "+arg(u.Scores))
	}
	if u.Accuracy != nil {
		sets = append(sets, "accuracy = "+arg(*u.Accuracy))
	}
	if u.CorrectPreds != nil {
		sets = append(sets, "correct_preds = "+arg(*u.CorrectPreds))
	}
	if u.TotalSamples != nil {
		sets = append(sets, "total_samples = "+arg(*u.TotalSamples))
	}
	if len(u.PushAlphas) > 0 {
		sets = append(sets, "alphas = alphas || "+arg(u.PushAlphas)+"::float8[]")
	}
	if len(u.PushUncertainties) > 0 {
		sets = append(sets, "uncertainties = uncertainties || "+arg(u.PushUncertainties)+"::float8[]")
	}
	if len(u.PushCoverages) > 0 {
		sets = append(sets, "coverages = coverages || "+arg(u.PushCoverages)+"::float8[]")
	}
	if len(u.PushSetSizes) > 0 {
		sets = append(sets, "setsizes = setsizes || "+arg(u.PushSetSizes)+"::float8[]")
	}
	if len(u.AppendConfidences) > 0 {
		sets = append(sets, "confidences = confidences || "+arg(u.AppendConfidences)+"::bytea")
	}

	q := "UPDATE scores SET " + strings.Join(sets, ", ") + " WHERE session_id = $1"
	err := r.retry(ctx, func() error {
		tag, err := r.Pool.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return backoff.Permanent(domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=scores.apply: %w", err)
	}
	return nil
}

// retry runs op with exponential backoff for transient database failures.
func (r *ScoresRepo) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	retries := uint64(r.MaxRetries)
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}
