package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// PushDeadLetter adds an entry to the dead-letter store.
func (s *Store) PushDeadLetter(ctx context.Context, e *deadletter.Entry) error {
	eID := e.ID.String()
	fields, err := entryToMap(e)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), fields)
	pipe.SAdd(ctx, dlqIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns entries matching opts, newest failure first.
func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	all, err := s.loadDeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*deadletter.Entry, 0, len(all))
	for _, e := range all {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.Class != "" && e.Class != opts.Class {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt.After(entries[j].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDeadLetter retrieves an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DLQID) (*deadletter.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: get dead letter: %w", err)
	}
	if len(vals) == 0 {
		return nil, fiscal.ErrDeadLetterNotFound
	}
	return mapToEntry(vals)
}

// UpdateDeadLetter replaces a stored entry.
func (s *Store) UpdateDeadLetter(ctx context.Context, e *deadletter.Entry) error {
	key := dlqKey(e.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fiscal/redis: update dead letter exists: %w", err)
	}
	if exists == 0 {
		return fiscal.ErrDeadLetterNotFound
	}

	fields, err := entryToMap(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: update dead letter: %w", err)
	}
	return nil
}

// DeleteDeadLetter removes an entry.
func (s *Store) DeleteDeadLetter(ctx context.Context, entryID id.DLQID) error {
	eID := entryID.String()
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, dlqKey(eID))
	pipe.SRem(ctx, dlqIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: delete dead letter: %w", err)
	}
	if del.Val() == 0 {
		return fiscal.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeDeadLetters removes entries with FailedAt before the given time.
func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fiscal/redis: purge dead letters smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := dlqKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("fiscal/redis: purge dead letters get: %w", getErr)
		}

		failedAt, _ := time.Parse(time.RFC3339Nano, failedAtStr) //nolint:errcheck // best-effort parse from trusted Redis data
		if !failedAt.Before(before) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, dlqIDsKey, eID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("fiscal/redis: purge dead letters del: %w", pErr)
		}
		purged++
	}
	return purged, nil
}

// CountDeadLetters returns the number of stored entries.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fiscal/redis: count dead letters: %w", err)
	}
	return count, nil
}

func (s *Store) loadDeadLetters(ctx context.Context) ([]*deadletter.Entry, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: list dead letters: %w", err)
	}

	out := make([]*deadletter.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToEntry(vals)
		if convErr != nil {
			s.logger.Warn("skipping unreadable dead letter", "id", eID, "error", convErr)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ── helpers ──

func entryToMap(e *deadletter.Entry) (map[string]any, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("fiscal/redis: marshal metadata: %w", err)
		}
		meta = string(b)
	}

	m := map[string]any{
		"id":              e.ID.String(),
		"item_id":         e.ItemID.String(),
		"tenant_id":       e.TenantID,
		"correlation_key": e.CorrelationKey,
		"operation":       string(e.Operation),
		"priority":        string(e.Priority),
		"origin_lane":     e.OriginLane,
		"payload":         string(e.Payload),
		"reason":          e.Reason,
		"class":           string(e.Class),
		"attempt_count":   strconv.Itoa(e.AttemptCount),
		"recoveries":      strconv.Itoa(e.Recoveries),
		"metadata":        meta,
		"state":           string(e.State),
		"failed_at":       e.FailedAt.UTC().Format(time.RFC3339Nano),
		"created_at":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.RecoverAt != nil {
		m["recover_at"] = e.RecoverAt.UTC().Format(time.RFC3339Nano)
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.UTC().Format(time.RFC3339Nano)
	}
	return m, nil
}

func mapToEntry(m map[string]string) (*deadletter.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: parse dead letter id: %w", err)
	}
	itemID, _ := id.ParseWorkItemID(m["item_id"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempt_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	recoveries, _ := strconv.Atoi(m["recoveries"])                //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &deadletter.Entry{
		ID:             eID,
		ItemID:         itemID,
		TenantID:       m["tenant_id"],
		CorrelationKey: m["correlation_key"],
		Operation:      workitem.Operation(m["operation"]),
		Priority:       workitem.Priority(m["priority"]),
		OriginLane:     m["origin_lane"],
		Reason:         m["reason"],
		Class:          failure.Class(m["class"]),
		AttemptCount:   attempts,
		Recoveries:     recoveries,
		State:          deadletter.State(m["state"]),
		FailedAt:       failedAt,
		CreatedAt:      createdAt,
	}
	if p := m["payload"]; p != "" {
		e.Payload = json.RawMessage(p)
	}
	if meta := m["metadata"]; meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("fiscal/redis: decode metadata: %w", err)
		}
	}
	if v := m["recover_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.RecoverAt = &t
	}
	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}
	return e, nil
}
