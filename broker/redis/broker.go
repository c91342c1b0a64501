// Package redis implements broker.Broker on Redis. Each lane uses three
// Sorted Sets: ready (scored by priority then publish time), delayed
// (scored by visibility time) and inflight (scored by redelivery
// deadline). Message bodies are stored as Hashes keyed by a per-publish
// message ID. Moving a message between sets is a single Lua script, so
// a crash or a failed round trip never leaves it in no set at all.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbroker.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
)

// Compile-time interface checks.
var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Acknowledger = (*Broker)(nil)
)

const keyPrefix = "fiscal:"

func readyKey(laneName string) string    { return keyPrefix + "lane:" + laneName + ":ready" }
func delayedKey(laneName string) string  { return keyPrefix + "lane:" + laneName + ":delayed" }
func inflightKey(laneName string) string { return keyPrefix + "lane:" + laneName + ":inflight" }
func msgKey(tag string) string           { return keyPrefix + "msg:" + tag }

// lanesKey is the Hash of declared lane configurations (for operators).
const lanesKey = keyPrefix + "lanes"

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithVisibilityTimeout sets how long a received message may stay
// unsettled before it is redelivered.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// Broker is a Redis-backed broker. The caller owns the client lifecycle.
type Broker struct {
	client     goredis.Cmdable
	logger     *slog.Logger
	clock      clock.Clock
	visibility time.Duration

	mu    sync.RWMutex
	lanes map[string]lane.Config
}

// New creates a Redis broker.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:     client,
		logger:     slog.Default(),
		clock:      clock.System{},
		visibility: 5 * time.Minute,
		lanes:      make(map[string]lane.Config),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Declare records the lane configuration locally and in Redis.
func (b *Broker) Declare(ctx context.Context, cfg lane.Config) error {
	b.mu.Lock()
	b.lanes[cfg.Name] = cfg
	b.mu.Unlock()

	if err := b.client.HSet(ctx, lanesKey, cfg.Name, marshalJSON(cfg)).Err(); err != nil {
		return fmt.Errorf("fiscal/redis: declare lane %s: %w", cfg.Name, err)
	}
	return nil
}

func (b *Broker) lane(name string) (lane.Config, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.lanes[name]
	if !ok {
		return lane.Config{}, fmt.Errorf("%w: %q not declared", fiscal.ErrLaneNotFound, name)
	}
	return cfg, nil
}

// Publish stores the envelope and schedules it on the lane.
func (b *Broker) Publish(ctx context.Context, laneName string, item *workitem.WorkItem, opts broker.PublishOptions) error {
	cfg, err := b.lane(laneName)
	if err != nil {
		return err
	}
	return b.publish(ctx, cfg, item, opts)
}

func (b *Broker) publish(ctx context.Context, cfg lane.Config, item *workitem.WorkItem, opts broker.PublishOptions) error {
	body, err := broker.Encode(item)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	tag := uuid.NewString()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = cfg.TTL
	}
	var expiresAt int64
	if ttl > 0 {
		start := now
		if opts.VisibleAt.After(now) {
			start = opts.VisibleAt
		}
		expiresAt = start.Add(ttl).UnixMilli()
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, msgKey(tag),
		"lane", cfg.Name,
		"body", string(body),
		"priority", strconv.Itoa(int(opts.Priority)),
		"published_at", strconv.FormatInt(now.UnixMilli(), 10),
		"expires_at", strconv.FormatInt(expiresAt, 10),
		"deliveries", "0",
	)
	if opts.VisibleAt.After(now) {
		pipe.ZAdd(ctx, delayedKey(cfg.Name), goredis.Z{Score: float64(opts.VisibleAt.UnixMilli()), Member: tag})
	} else {
		pipe.ZAdd(ctx, readyKey(cfg.Name), goredis.Z{Score: readyScore(opts.Priority, now), Member: tag})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: publish to %s: %w", cfg.Name, err)
	}
	return nil
}

// Ready scores are integers: a priority band times priorityBand plus
// the publish time in Unix milliseconds. Scores stay below 2^53, so
// float64 holds them exactly and FIFO order survives within a band.
const (
	maxPriority  = 255
	priorityBand = 1e13
)

// readyScore computes a sorted-set score from priority and publish time.
// Lower score = dequeued first, so higher priorities get lower bands.
func readyScore(priority uint8, at time.Time) float64 {
	return float64(maxPriority-int(priority))*priorityBand + float64(at.UnixMilli())
}

// promoteScript moves due members of a delayed or inflight set back to
// the ready set, scoring them like readyScore.
// KEYS[1] from, KEYS[2] ready; ARGV now ms, message key prefix, limit.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, tag in ipairs(due) do
	redis.call('ZREM', KEYS[1], tag)
	local prio = tonumber(redis.call('HGET', ARGV[2] .. tag, 'priority') or '0') or 0
	local score = (255 - prio) * 1e13 + tonumber(ARGV[1])
	redis.call('ZADD', KEYS[2], string.format('%.0f', score), tag)
end
return #due
`)

// claimScript pops up to ARGV[1] ready members and marks them in flight
// in one step. Members whose hash is gone are discarded. Each claimed
// message is returned as tag, body, priority, expires_at, deliveries.
// KEYS[1] ready, KEYS[2] inflight; ARGV max, inflight deadline ms,
// message key prefix.
var claimScript = goredis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], ARGV[1])
local out = {}
for i = 1, #popped, 2 do
	local tag = popped[i]
	local mk = ARGV[3] .. tag
	local f = redis.call('HMGET', mk, 'body', 'priority', 'expires_at', 'deliveries')
	if f[1] then
		redis.call('ZADD', KEYS[2], ARGV[2], tag)
		redis.call('HINCRBY', mk, 'deliveries', 1)
		table.insert(out, tag)
		table.insert(out, f[1])
		table.insert(out, f[2] or '0')
		table.insert(out, f[3] or '0')
		table.insert(out, f[4] or '0')
	end
end
return {#popped / 2, out}
`)

// promoteBatch bounds how many members one promote call moves.
const promoteBatch = 1000

// Receive promotes due delayed messages, reclaims abandoned in-flight
// messages, then claims up to max ready messages.
func (b *Broker) Receive(ctx context.Context, laneName string, maxItems int) ([]*broker.Delivery, error) {
	cfg, err := b.lane(laneName)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	if err := b.promote(ctx, cfg.Name, delayedKey(cfg.Name), now); err != nil {
		return nil, err
	}
	if err := b.promote(ctx, cfg.Name, inflightKey(cfg.Name), now); err != nil {
		return nil, err
	}

	var out []*broker.Delivery
	for len(out) < maxItems {
		popped, claimed, err := b.claim(ctx, cfg, maxItems-len(out), now)
		if err != nil {
			return out, err
		}
		if popped == 0 {
			break
		}
		for _, c := range claimed {
			d, err := b.deliver(ctx, cfg, c, now)
			if err != nil {
				b.logger.Warn("redis broker: message not delivered",
					slog.String("lane", cfg.Name),
					slog.String("tag", c.tag),
					slog.String("error", err.Error()),
				)
				continue
			}
			if d != nil {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// promote moves members of from whose score is due back to the ready set.
func (b *Broker) promote(ctx context.Context, laneName, from string, now time.Time) error {
	for {
		n, err := promoteScript.Run(ctx, b.client, []string{from, readyKey(laneName)},
			now.UnixMilli(), keyPrefix+"msg:", promoteBatch,
		).Int()
		if err != nil {
			return fmt.Errorf("fiscal/redis: promote %s: %w", from, err)
		}
		if n < promoteBatch {
			return nil
		}
	}
}

type claimed struct {
	tag        string
	body       string
	priority   int
	expiresAt  int64
	deliveries int
}

// claim atomically pops and marks in flight up to n ready messages. It
// returns how many members were popped, which includes discarded ones.
func (b *Broker) claim(ctx context.Context, cfg lane.Config, n int, now time.Time) (int, []claimed, error) {
	res, err := claimScript.Run(ctx, b.client, []string{readyKey(cfg.Name), inflightKey(cfg.Name)},
		n, now.Add(b.visibility).UnixMilli(), keyPrefix+"msg:",
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("fiscal/redis: claim: %w", err)
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("fiscal/redis: claim: unexpected reply of %d elements", len(res))
	}
	popped, _ := res[0].(int64)
	fields, _ := res[1].([]any)

	out := make([]claimed, 0, len(fields)/5)
	for i := 0; i+4 < len(fields); i += 5 {
		c := claimed{
			tag:  toString(fields[i]),
			body: toString(fields[i+1]),
		}
		c.priority, _ = strconv.Atoi(toString(fields[i+2]))              //nolint:errcheck // best-effort parse from trusted Redis data
		c.expiresAt, _ = strconv.ParseInt(toString(fields[i+3]), 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
		c.deliveries, _ = strconv.Atoi(toString(fields[i+4]))            //nolint:errcheck // best-effort parse from trusted Redis data
		out = append(out, c)
	}
	return int(popped), out, nil
}

// deliver turns a claimed message into a delivery. Undecodable messages
// are dropped and expired ones dead-lettered; both yield a nil delivery.
// On error the message stays in flight and is redelivered after the
// visibility timeout.
func (b *Broker) deliver(ctx context.Context, cfg lane.Config, c claimed, now time.Time) (*broker.Delivery, error) {
	item, err := broker.Decode([]byte(c.body))
	if err != nil {
		if dropErr := b.drop(ctx, cfg.Name, c.tag); dropErr != nil {
			return nil, errors.Join(err, dropErr)
		}
		return nil, err
	}

	if c.expiresAt > 0 && now.UnixMilli() > c.expiresAt {
		return nil, b.deadLetter(ctx, cfg, c.tag, item, broker.ExpiredReason(cfg.Name))
	}

	d := broker.NewDelivery(item, cfg.Name, c.tag, uint8(c.priority), b) //nolint:gosec // priority is stored from a uint8
	d.Redelivered = c.deliveries > 0
	return d, nil
}

// drop removes a claimed message for good.
func (b *Broker) drop(ctx context.Context, laneName, tag string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(laneName), tag)
	pipe.Del(ctx, msgKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: drop message: %w", err)
	}
	return nil
}

// deadLetter publishes item to the lane's dead-letter target, then drops
// the original. A failed publish leaves the original in flight.
func (b *Broker) deadLetter(ctx context.Context, cfg lane.Config, tag string, item *workitem.WorkItem, reason string) error {
	if cfg.DeadLetterTarget != "" {
		target, err := b.lane(cfg.DeadLetterTarget)
		if err != nil {
			return err
		}
		item.SetMeta(workitem.MetaReason, reason)
		item.SetMeta(workitem.MetaOriginLane, cfg.Name)
		if err := b.publish(ctx, target, item, broker.PublishOptions{}); err != nil {
			return err
		}
	}
	return b.drop(ctx, cfg.Name, tag)
}

// Ack deletes a delivered message.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Lane), d.Tag)
	pipe.Del(ctx, msgKey(d.Tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: ack: %w", err)
	}
	return nil
}

// Requeue returns a delivered message to its lane.
func (b *Broker) Requeue(ctx context.Context, d *broker.Delivery, visibleAt time.Time) error {
	now := b.clock.Now()

	body, err := broker.Encode(d.Item)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(d.Lane), d.Tag)
	pipe.HSet(ctx, msgKey(d.Tag), "body", string(body))
	if visibleAt.After(now) {
		pipe.ZAdd(ctx, delayedKey(d.Lane), goredis.Z{Score: float64(visibleAt.UnixMilli()), Member: d.Tag})
	} else {
		pipe.ZAdd(ctx, readyKey(d.Lane), goredis.Z{Score: readyScore(d.Priority, now), Member: d.Tag})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fiscal/redis: requeue: %w", err)
	}
	return nil
}

// Reject routes a delivered message to the lane's dead-letter target.
func (b *Broker) Reject(ctx context.Context, d *broker.Delivery, reason string) error {
	cfg, err := b.lane(d.Lane)
	if err != nil {
		return err
	}
	return b.deadLetter(ctx, cfg, d.Tag, d.Item.Clone(), reason)
}

// Depth returns the number of ready, delayed and in-flight messages.
func (b *Broker) Depth(ctx context.Context, laneName string) (ready, delayed, inflight int64, err error) {
	pipe := b.client.Pipeline()
	r := pipe.ZCard(ctx, readyKey(laneName))
	dl := pipe.ZCard(ctx, delayedKey(laneName))
	in := pipe.ZCard(ctx, inflightKey(laneName))
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("fiscal/redis: depth: %w", err)
	}
	return r.Val(), dl.Val(), in.Val(), nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (b *Broker) Close(_ context.Context) error { return nil }
