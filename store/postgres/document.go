package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/document"
)

const documentColumns = `
	access_key, tenant_id, number, series, status, attempt_count,
	next_attempt_at, errors, protocol, signed_payload, cancel_protocol,
	events, payload, note, version, created_at, updated_at`

// CreateDocument persists a new record.
func (s *Store) CreateDocument(ctx context.Context, r *document.Record) error {
	errs, events, err := encodeHistory(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fiscal_documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.AccessKey, r.TenantID, r.Number, r.Series, string(r.Status), r.AttemptCount,
		nullableTime(r.NextAttemptAt), errs, r.Protocol, r.SignedPayload, r.CancelProtocol,
		events, nullableJSON(r.Payload), r.Note, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fiscal.ErrDuplicateDocument
		}
		return fmt.Errorf("fiscal/postgres: create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a record by access key.
func (s *Store) GetDocument(ctx context.Context, accessKey string) (*document.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM fiscal_documents WHERE access_key = $1`,
		accessKey,
	)
	r, err := scanDocument(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fiscal.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("fiscal/postgres: get document: %w", err)
	}
	return r, nil
}

// SwapDocument replaces the record if its stored version equals expected.
func (s *Store) SwapDocument(ctx context.Context, r *document.Record, expected int64) error {
	errs, events, err := encodeHistory(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fiscal_documents SET
			tenant_id = $2, number = $3, series = $4, status = $5, attempt_count = $6,
			next_attempt_at = $7, errors = $8, protocol = $9, signed_payload = $10,
			cancel_protocol = $11, events = $12, payload = $13, note = $14,
			version = $15 + 1, updated_at = $16
		WHERE access_key = $1 AND version = $15`,
		r.AccessKey, r.TenantID, r.Number, r.Series, string(r.Status), r.AttemptCount,
		nullableTime(r.NextAttemptAt), errs, r.Protocol, r.SignedPayload,
		r.CancelProtocol, events, nullableJSON(r.Payload), r.Note,
		expected, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fiscal/postgres: swap document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM fiscal_documents WHERE access_key = $1)`,
			r.AccessKey,
		).Scan(&exists); err != nil {
			return fmt.Errorf("fiscal/postgres: swap document exists: %w", err)
		}
		if !exists {
			return fiscal.ErrDocumentNotFound
		}
		return fiscal.ErrStaleState
	}
	r.Version = expected + 1
	return nil
}

// ListDocumentsByStatus returns records in status, oldest update first.
func (s *Store) ListDocumentsByStatus(ctx context.Context, status document.Status, opts document.ListOpts) ([]*document.Record, error) {
	query := `SELECT ` + documentColumns + ` FROM fiscal_documents WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}
	if !opts.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argIdx)
		args = append(args, opts.UpdatedBefore)
		argIdx++
	}

	query += " ORDER BY updated_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fiscal/postgres: list documents: %w", err)
	}
	defer rows.Close()

	var out []*document.Record
	for rows.Next() {
		r, scanErr := scanDocument(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("fiscal/postgres: scan document row: %w", scanErr)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fiscal/postgres: iterate document rows: %w", err)
	}
	return out, nil
}

// SaveVoidRange creates or replaces a void range.
func (s *Store) SaveVoidRange(ctx context.Context, v *document.VoidRange) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fiscal_void_ranges (
			key, tenant_id, taxpayer_id, series, first_number, last_number,
			justification, status, protocol, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO UPDATE SET
			taxpayer_id = EXCLUDED.taxpayer_id,
			justification = EXCLUDED.justification,
			status = EXCLUDED.status,
			protocol = EXCLUDED.protocol,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		v.Key(), v.TenantID, v.TaxpayerID, v.Series, v.First, v.Last,
		v.Justification, string(v.Status), v.Protocol, v.LastError, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("fiscal/postgres: save void range: %w", err)
	}
	return nil
}

// GetVoidRange retrieves a void range by key.
func (s *Store) GetVoidRange(ctx context.Context, key string) (*document.VoidRange, error) {
	var (
		v      document.VoidRange
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, taxpayer_id, series, first_number, last_number,
			justification, status, protocol, last_error, created_at, updated_at
		FROM fiscal_void_ranges WHERE key = $1`,
		key,
	).Scan(
		&v.TenantID, &v.TaxpayerID, &v.Series, &v.First, &v.Last,
		&v.Justification, &status, &v.Protocol, &v.LastError, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fiscal.ErrVoidRangeNotFound
		}
		return nil, fmt.Errorf("fiscal/postgres: get void range: %w", err)
	}
	v.Status = document.VoidStatus(status)
	return &v, nil
}

func encodeHistory(r *document.Record) (errs, events []byte, err error) {
	errList := r.Errors
	if errList == nil {
		errList = []string{}
	}
	if errs, err = json.Marshal(errList); err != nil {
		return nil, nil, fmt.Errorf("fiscal/postgres: marshal errors: %w", err)
	}
	evList := r.Events
	if evList == nil {
		evList = []document.Event{}
	}
	if events, err = json.Marshal(evList); err != nil {
		return nil, nil, fmt.Errorf("fiscal/postgres: marshal events: %w", err)
	}
	return errs, events, nil
}

// scanDocument scans a single document row.
func scanDocument(row pgx.Row) (*document.Record, error) {
	var (
		r           document.Record
		status      string
		nextAttempt *time.Time
		errs        []byte
		events      []byte
		payload     []byte
	)
	err := row.Scan(
		&r.AccessKey, &r.TenantID, &r.Number, &r.Series, &status, &r.AttemptCount,
		&nextAttempt, &errs, &r.Protocol, &r.SignedPayload, &r.CancelProtocol,
		&events, &payload, &r.Note, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = document.Status(status)
	if nextAttempt != nil {
		r.NextAttemptAt = *nextAttempt
	}
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal(errs, &r.Errors); err != nil {
		return nil, fmt.Errorf("fiscal/postgres: decode errors: %w", err)
	}
	if err := json.Unmarshal(events, &r.Events); err != nil {
		return nil, fmt.Errorf("fiscal/postgres: decode events: %w", err)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	if len(r.Events) == 0 {
		r.Events = nil
	}
	return &r, nil
}
