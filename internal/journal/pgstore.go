package journal

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/formsync/model"
)

// Schema creates the journal table. It is idempotent.
//
//go:embed schema.sql
var Schema string

const recordColumns = `id, subject_id, correlation_id, form_uuid, form_url,
	outcome, created, step_count, deleted_steps, created_definitions,
	version_created, error_contexts, validation_errors, error,
	started_at, duration_ms`

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL journal.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the journal table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append inserts a record.
func (s *PgStore) Append(ctx context.Context, rec Record) error {
	var errsJSON []byte
	if len(rec.ValidationErrors) > 0 {
		var err error
		if errsJSON, err = json.Marshal(rec.ValidationErrors); err != nil {
			return fmt.Errorf("journal: marshal validation errors: %w", err)
		}
	}

	contexts := make([]string, len(rec.ErrorContexts))
	for i, c := range rec.ErrorContexts {
		contexts[i] = string(c)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO form_saves (`+recordColumns+`)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)`,
		rec.ID, rec.SubjectID, rec.CorrelationID, rec.FormUUID, rec.FormURL,
		rec.Outcome, rec.Created, rec.StepCount, rec.DeletedSteps, rec.CreatedDefinitions,
		rec.VersionCreated, contexts, errsJSON, rec.Error,
		rec.StartedAt, rec.DurationMs,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(fmt.Sprintf("journal record %q already exists", rec.ID))
		}
		return fmt.Errorf("journal: insert record: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *PgStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM form_saves WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, model.NewNotFoundError(fmt.Sprintf("journal record %q not found", id))
	}
	if err != nil {
		return Record{}, fmt.Errorf("journal: query record: %w", err)
	}
	return rec, nil
}

// ListByForm returns the records of a form, newest first.
func (s *PgStore) ListByForm(ctx context.Context, formURL string, filters Filters) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM form_saves WHERE form_url = $1`
	args := []any{formURL}
	argIdx := 2

	if filters.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argIdx)
		args = append(args, filters.Outcome)
		argIdx++
	}

	query += " ORDER BY started_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records started before cutoff.
func (s *PgStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM form_saves WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		contexts []string
		errsJSON []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.SubjectID, &rec.CorrelationID, &rec.FormUUID, &rec.FormURL,
		&rec.Outcome, &rec.Created, &rec.StepCount, &rec.DeletedSteps, &rec.CreatedDefinitions,
		&rec.VersionCreated, &contexts, &errsJSON, &rec.Error,
		&rec.StartedAt, &rec.DurationMs,
	); err != nil {
		return Record{}, err
	}

	rec.ErrorContexts = make([]model.ErrorContext, len(contexts))
	for i, c := range contexts {
		rec.ErrorContexts[i] = model.ErrorContext(c)
	}
	if errsJSON != nil {
		if err := json.Unmarshal(errsJSON, &rec.ValidationErrors); err != nil {
			return Record{}, fmt.Errorf("unmarshal validation errors: %w", err)
		}
	}
	return rec, nil
}
