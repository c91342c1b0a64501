package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/document"
)

// createScript stores a new document unless the key exists.
// KEYS[1] doc key; ARGV data, version, status, score, status prefix, access key.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', ARGV[2], 'status', ARGV[3])
redis.call('ZADD', ARGV[5] .. ARGV[3], ARGV[4], ARGV[6])
return 1
`)

// swapScript replaces a document if its version matches and moves it
// between status indexes.
// KEYS[1] doc key; ARGV expected, data, version, status, score, status prefix, access key.
var swapScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'version', 'status')
if not cur[1] then return -1 end
if cur[1] ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3], 'status', ARGV[4])
redis.call('ZREM', ARGV[6] .. cur[2], ARGV[7])
redis.call('ZADD', ARGV[6] .. ARGV[4], ARGV[5], ARGV[7])
return 1
`)

// CreateDocument persists a new record.
func (s *Store) CreateDocument(ctx context.Context, r *document.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("fiscal/redis: marshal document: %w", err)
	}
	res, err := createScript.Run(ctx, s.client, []string{docKey(r.AccessKey)},
		string(data),
		strconv.FormatInt(r.Version, 10),
		string(r.Status),
		r.UpdatedAt.UnixMilli(),
		statusPrefix,
		r.AccessKey,
	).Int()
	if err != nil {
		return fmt.Errorf("fiscal/redis: create document: %w", err)
	}
	if res == 0 {
		return fiscal.ErrDuplicateDocument
	}
	return nil
}

// GetDocument retrieves a record by access key.
func (s *Store) GetDocument(ctx context.Context, accessKey string) (*document.Record, error) {
	data, err := s.client.HGet(ctx, docKey(accessKey), "data").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fiscal.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: get document: %w", err)
	}
	return decodeDocument(data)
}

// SwapDocument replaces the record if its stored version equals expected.
func (s *Store) SwapDocument(ctx context.Context, r *document.Record, expected int64) error {
	prev := r.Version
	r.Version = expected + 1
	data, err := json.Marshal(r)
	if err != nil {
		r.Version = prev
		return fmt.Errorf("fiscal/redis: marshal document: %w", err)
	}

	res, err := swapScript.Run(ctx, s.client, []string{docKey(r.AccessKey)},
		strconv.FormatInt(expected, 10),
		string(data),
		strconv.FormatInt(r.Version, 10),
		string(r.Status),
		r.UpdatedAt.UnixMilli(),
		statusPrefix,
		r.AccessKey,
	).Int()
	switch {
	case err != nil:
		r.Version = prev
		return fmt.Errorf("fiscal/redis: swap document: %w", err)
	case res < 0:
		r.Version = prev
		return fiscal.ErrDocumentNotFound
	case res == 0:
		r.Version = prev
		return fiscal.ErrStaleState
	}
	return nil
}

// ListDocumentsByStatus returns records in status, oldest update first.
func (s *Store) ListDocumentsByStatus(ctx context.Context, status document.Status, opts document.ListOpts) ([]*document.Record, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !opts.UpdatedBefore.IsZero() {
		by.Max = "(" + strconv.FormatInt(opts.UpdatedBefore.UnixMilli(), 10)
	}
	if opts.Limit > 0 && opts.TenantID == "" {
		by.Count = int64(opts.Limit)
	}

	keys, err := s.client.ZRangeByScore(ctx, statusKey(string(status)), by).Result()
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: list documents: %w", err)
	}

	out := make([]*document.Record, 0, len(keys))
	for _, key := range keys {
		r, getErr := s.GetDocument(ctx, key)
		if getErr != nil {
			continue
		}
		if r.Status != status {
			continue
		}
		if opts.TenantID != "" && r.TenantID != opts.TenantID {
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// SaveVoidRange creates or replaces a void range.
func (s *Store) SaveVoidRange(ctx context.Context, v *document.VoidRange) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fiscal/redis: marshal void range: %w", err)
	}
	if err := s.client.Set(ctx, voidKey(v.Key()), data, 0).Err(); err != nil {
		return fmt.Errorf("fiscal/redis: save void range: %w", err)
	}
	return nil
}

// GetVoidRange retrieves a void range by key.
func (s *Store) GetVoidRange(ctx context.Context, key string) (*document.VoidRange, error) {
	data, err := s.client.Get(ctx, voidKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fiscal.ErrVoidRangeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fiscal/redis: get void range: %w", err)
	}
	var v document.VoidRange
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("fiscal/redis: decode void range: %w", err)
	}
	return &v, nil
}

func decodeDocument(data string) (*document.Record, error) {
	var r document.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("fiscal/redis: decode document: %w", err)
	}
	return &r, nil
}
