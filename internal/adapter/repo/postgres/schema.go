package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the calibration tables when missing. Idempotent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scores (
			session_id    UUID PRIMARY KEY,
			stage         INT NOT NULL DEFAULT 1,
			batch_counter INT NOT NULL DEFAULT 0,
			alpha         DOUBLE PRECISION NOT NULL DEFAULT 'NaN',
			scores        BYTEA NOT NULL DEFAULT ''::bytea,
			alphas        DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			uncertainties DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			coverages     DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			setsizes      DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			confidences   BYTEA NOT NULL DEFAULT ''::bytea,
			accuracy      DOUBLE PRECISION NOT NULL DEFAULT 'NaN',
			correct_preds BIGINT NOT NULL DEFAULT 0,
			total_samples BIGINT NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS model_inputs (
			seq         BIGSERIAL,
			session_id  UUID NOT NULL,
			batch_index INT NOT NULL,
			payload     BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, batch_index)
		)`,
		`CREATE TABLE IF NOT EXISTS model_outputs (
			seq         BIGSERIAL,
			session_id  UUID NOT NULL,
			batch_index INT NOT NULL,
			payload     BYTEA NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, batch_index)
		)`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
