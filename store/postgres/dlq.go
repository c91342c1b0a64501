package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

const deadLetterColumns = `
	id, item_id, tenant_id, correlation_key, operation, priority,
	origin_lane, payload, reason, class, attempt_count, recoveries,
	metadata, state, failed_at, recover_at, replayed_at, created_at`

// PushDeadLetter adds an entry to the dead-letter store.
func (s *Store) PushDeadLetter(ctx context.Context, e *deadletter.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fiscal_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID.String(), e.ItemID.String(), e.TenantID, e.CorrelationKey,
		string(e.Operation), string(e.Priority), e.OriginLane, nullableJSON(e.Payload),
		e.Reason, string(e.Class), e.AttemptCount, e.Recoveries,
		meta, string(e.State), e.FailedAt, e.RecoverAt, e.ReplayedAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("fiscal/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching opts, newest failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM fiscal_dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}
	if opts.Class != "" {
		query += fmt.Sprintf(" AND class = $%d", argIdx)
		args = append(args, string(opts.Class))
		argIdx++
	}

	query += " ORDER BY failed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fiscal/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("fiscal/postgres: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fiscal/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DLQID) (*deadletter.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM fiscal_dead_letters WHERE id = $1`,
		entryID.String(),
	)
	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fiscal.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("fiscal/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// UpdateDeadLetter replaces the mutable fields of a stored entry.
func (s *Store) UpdateDeadLetter(ctx context.Context, e *deadletter.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fiscal_dead_letters SET
			reason = $2, class = $3, attempt_count = $4, recoveries = $5,
			metadata = $6, state = $7, recover_at = $8, replayed_at = $9
		WHERE id = $1`,
		e.ID.String(), e.Reason, string(e.Class), e.AttemptCount, e.Recoveries,
		meta, string(e.State), e.RecoverAt, e.ReplayedAt,
	)
	if err != nil {
		return fmt.Errorf("fiscal/postgres: update dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fiscal.ErrDeadLetterNotFound
	}
	return nil
}

// DeleteDeadLetter removes an entry.
func (s *Store) DeleteDeadLetter(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fiscal_dead_letters WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("fiscal/postgres: delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fiscal.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
// Returns the number of entries removed.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fiscal_dead_letters WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("fiscal/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDeadLetters returns the number of stored entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fiscal_dead_letters`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("fiscal/postgres: count dead letters: %w", err)
	}
	return count, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("fiscal/postgres: marshal metadata: %w", err)
	}
	return b, nil
}

// scanDeadLetter scans a single dead-letter row.
func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var (
		e                       deadletter.Entry
		idStr, itemIDStr        string
		op, priority, class, st string
		payload, meta           []byte
	)
	err := row.Scan(
		&idStr, &itemIDStr, &e.TenantID, &e.CorrelationKey, &op, &priority,
		&e.OriginLane, &payload, &e.Reason, &class, &e.AttemptCount, &e.Recoveries,
		&meta, &st, &e.FailedAt, &e.RecoverAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("fiscal/postgres: parse dead letter id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedItemID, itemParseErr := id.ParseWorkItemID(itemIDStr)
	if itemParseErr != nil {
		return nil, fmt.Errorf("fiscal/postgres: parse work item id %q: %w", itemIDStr, itemParseErr)
	}
	e.ItemID = parsedItemID

	e.Operation = workitem.Operation(op)
	e.Priority = workitem.Priority(priority)
	e.Class = failure.Class(class)
	e.State = deadletter.State(st)
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal(meta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("fiscal/postgres: decode metadata: %w", err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return &e, nil
}
