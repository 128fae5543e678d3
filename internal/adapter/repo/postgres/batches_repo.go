package postgres

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// BatchRepo stores raw batch payloads for crash recovery. Rows are keyed by
// (session_id, batch_index); redelivered payloads upsert in place.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// WriteInputs upserts one raw inputs payload.
func (r *BatchRepo) WriteInputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error {
	return r.write(ctx, "model_inputs", sessionID, batchIndex, payload)
}

// WriteOutputs upserts one raw outputs payload.
func (r *BatchRepo) WriteOutputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error {
	return r.write(ctx, "model_outputs", sessionID, batchIndex, payload)
}

func (r *BatchRepo) write(ctx context.Context, table, sessionID string, batchIndex int, payload []byte) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", table),
		attribute.Int("batch.index", batchIndex),
	)
	q := fmt.Sprintf(`INSERT INTO %s (session_id, batch_index, payload) VALUES ($1,$2,$3)
		ON CONFLICT (session_id, batch_index) DO UPDATE SET payload = EXCLUDED.payload`, table)
	if _, err := r.Pool.Exec(ctx, q, sessionID, batchIndex, payload); err != nil {
		return fmt.Errorf("op=batches.write_%s: %w", table, err)
	}
	return nil
}

// InputsForSession returns persisted input payloads in insertion order.
func (r *BatchRepo) InputsForSession(ctx context.Context, sessionID string) ([][]byte, error) {
	return r.read(ctx, "model_inputs", sessionID)
}

// OutputsForSession returns persisted output payloads in insertion order.
func (r *BatchRepo) OutputsForSession(ctx context.Context, sessionID string) ([][]byte, error) {
	return r.read(ctx, "model_outputs", sessionID)
}

func (r *BatchRepo) read(ctx context.Context, table, sessionID string) ([][]byte, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Read")
	defer span.End()
	q := fmt.Sprintf(`SELECT payload FROM %s WHERE session_id = $1 ORDER BY seq`, table)
	rows, err := r.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=batches.read_%s: %w", table, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("op=batches.read_%s: %w", table, err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=batches.read_%s: %w", table, err)
	}
	return out, nil
}
