// Package amqp implements broker.Broker on RabbitMQ.
//
// Each lane is a durable queue bound to the "fiscal" direct exchange
// under its own name. Queue arguments carry the lane's static config:
// x-max-priority for issue lanes, x-message-ttl, and dead-letter routing
// through the "fiscal.dlx" exchange to the lane's dead-letter target.
//
// Scheduled visibility uses a companion "<lane>.delay" queue with no
// consumers. Messages published there carry a per-message expiration and
// dead-letter back into the lane when it elapses. RabbitMQ only expires
// messages at the head of a queue, so a long delay can hold back shorter
// ones queued behind it; the retry lane's due check covers the reverse
// case.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

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

const (
	// Exchange receives every lane publish.
	Exchange = "fiscal"

	// DeadLetterExchange receives expired and rejected messages.
	DeadLetterExchange = "fiscal.dlx"

	maxPriority = 10
)

// DelayQueue returns the companion queue used for scheduled visibility.
func DelayQueue(laneName string) string { return laneName + ".delay" }

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithClock sets the time source used for delay computation.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// Broker is a RabbitMQ broker. A single channel is shared and guarded by
// a mutex.
type Broker struct {
	conn   *amqp.Connection
	owned  bool
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	ch    *amqp.Channel
	lanes map[string]lane.Config
}

// Dial connects to url and returns a broker that owns the connection.
func Dial(url string, opts ...Option) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("fiscal/amqp: dial: %w", err)
	}
	b, err := New(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New opens a channel on conn and declares the exchanges. The caller
// owns the connection.
func New(conn *amqp.Connection, opts ...Option) (*Broker, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("fiscal/amqp: open channel: %w", err)
	}

	for _, ex := range []string{Exchange, DeadLetterExchange} {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("fiscal/amqp: declare exchange %s: %w", ex, err)
		}
	}

	b := &Broker{
		conn:   conn,
		ch:     ch,
		logger: slog.Default(),
		clock:  clock.System{},
		lanes:  make(map[string]lane.Config),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// QueueArgs returns the queue arguments for a lane.
func QueueArgs(cfg lane.Config) amqp.Table {
	args := amqp.Table{}
	if cfg.BrokerPriority > 0 {
		args["x-max-priority"] = int32(maxPriority)
	}
	if cfg.TTL > 0 {
		args["x-message-ttl"] = int32(cfg.TTL / time.Millisecond) //nolint:gosec // lane TTLs fit in int32 milliseconds
	}
	if cfg.DeadLetterTarget != "" {
		args["x-dead-letter-exchange"] = DeadLetterExchange
		args["x-dead-letter-routing-key"] = cfg.DeadLetterTarget
	}
	return args
}

// Declare creates the lane queue, its delay queue and their bindings.
func (b *Broker) Declare(_ context.Context, cfg lane.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ch.QueueDeclare(cfg.Name, true, false, false, false, QueueArgs(cfg)); err != nil {
		return fmt.Errorf("fiscal/amqp: declare queue %s: %w", cfg.Name, err)
	}
	if err := b.ch.QueueBind(cfg.Name, cfg.Name, Exchange, false, nil); err != nil {
		return fmt.Errorf("fiscal/amqp: bind %s: %w", cfg.Name, err)
	}
	// Any lane may be a dead-letter target.
	if err := b.ch.QueueBind(cfg.Name, cfg.Name, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("fiscal/amqp: bind %s to dlx: %w", cfg.Name, err)
	}

	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": cfg.Name,
	}
	if _, err := b.ch.QueueDeclare(DelayQueue(cfg.Name), true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("fiscal/amqp: declare delay queue %s: %w", cfg.Name, err)
	}

	b.lanes[cfg.Name] = cfg
	return nil
}

// Publish sends the envelope to the lane, or to its delay queue when
// VisibleAt is in the future.
func (b *Broker) Publish(ctx context.Context, laneName string, item *workitem.WorkItem, opts broker.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.lanes[laneName]; !ok {
		return fmt.Errorf("%w: %q not declared", fiscal.ErrLaneNotFound, laneName)
	}
	return b.publishLocked(ctx, laneName, item, opts)
}

func (b *Broker) publishLocked(ctx context.Context, laneName string, item *workitem.WorkItem, opts broker.PublishOptions) error {
	body, err := broker.Encode(item)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	msg := amqp.Publishing{
		ContentType:  broker.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		MessageId:    item.ID.String(),
		Timestamp:    now,
		Body:         body,
	}

	exchange, key := Exchange, laneName
	if delay := opts.VisibleAt.Sub(now); delay > 0 {
		// The default exchange routes by queue name.
		exchange, key = "", DelayQueue(laneName)
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	} else if opts.TTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}

	if err := b.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("fiscal/amqp: publish to %s: %w", laneName, err)
	}
	return nil
}

// Receive pulls up to max messages with basic.get.
func (b *Broker) Receive(_ context.Context, laneName string, maxItems int) ([]*broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.lanes[laneName]
	if !ok {
		return nil, fmt.Errorf("%w: %q not declared", fiscal.ErrLaneNotFound, laneName)
	}

	var out []*broker.Delivery
	for len(out) < maxItems {
		msg, ok, err := b.ch.Get(cfg.Name, false)
		if err != nil {
			return out, fmt.Errorf("fiscal/amqp: get from %s: %w", cfg.Name, err)
		}
		if !ok {
			break
		}

		item, err := broker.Decode(msg.Body)
		if err != nil {
			b.logger.Warn("amqp broker: rejecting undecodable message",
				slog.String("lane", cfg.Name),
				slog.String("error", err.Error()),
			)
			_ = msg.Nack(false, false)
			continue
		}
		annotateDeath(item, msg.Headers)

		d := broker.NewDelivery(item, cfg.Name, strconv.FormatUint(msg.DeliveryTag, 10), msg.Priority, b)
		d.Redelivered = msg.Redelivered
		out = append(out, d)
	}
	return out, nil
}

// annotateDeath records the reason for messages the broker dead-lettered
// on its own after their lane TTL ran out. Expiry in a delay queue is the
// normal scheduled hop back into the lane and is ignored.
func annotateDeath(item *workitem.WorkItem, headers amqp.Table) {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return
	}
	queue, _ := death["queue"].(string)
	reason, _ := death["reason"].(string)
	if reason == "expired" && queue != "" && queue == DelayQueueOwner(queue) {
		item.SetMeta(workitem.MetaReason, broker.ExpiredReason(queue))
		item.SetMeta(workitem.MetaOriginLane, queue)
	}
}

// DelayQueueOwner returns the lane a delay queue belongs to, or queue
// itself when it is not a delay queue.
func DelayQueueOwner(queue string) string {
	const suffix = ".delay"
	if len(queue) > len(suffix) && queue[len(queue)-len(suffix):] == suffix {
		return queue[:len(queue)-len(suffix)]
	}
	return queue
}

func deliveryTag(d *broker.Delivery) (uint64, error) {
	tag, err := strconv.ParseUint(d.Tag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fiscal/amqp: bad delivery tag %q: %w", d.Tag, err)
	}
	return tag, nil
}

// Ack acknowledges a delivered message.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	tag, err := deliveryTag(d)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("fiscal/amqp: ack: %w", err)
	}
	return nil
}

// Requeue returns a message to its lane. Future visibility republishes
// through the delay queue and acks the original.
func (b *Broker) Requeue(ctx context.Context, d *broker.Delivery, visibleAt time.Time) error {
	tag, err := deliveryTag(d)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !visibleAt.After(b.clock.Now()) {
		if err := b.ch.Nack(tag, false, true); err != nil {
			return fmt.Errorf("fiscal/amqp: requeue: %w", err)
		}
		return nil
	}

	if err := b.publishLocked(ctx, d.Lane, d.Item, broker.PublishOptions{Priority: d.Priority, VisibleAt: visibleAt}); err != nil {
		return err
	}
	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("fiscal/amqp: ack requeued: %w", err)
	}
	return nil
}

// Reject publishes the item with its reason to the dead-letter target and
// acks the original, so the reason survives the hop.
func (b *Broker) Reject(ctx context.Context, d *broker.Delivery, reason string) error {
	tag, err := deliveryTag(d)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.lanes[d.Lane]
	if cfg.DeadLetterTarget == "" {
		if err := b.ch.Nack(tag, false, false); err != nil {
			return fmt.Errorf("fiscal/amqp: reject: %w", err)
		}
		return nil
	}

	item := d.Item.Clone()
	item.SetMeta(workitem.MetaReason, reason)
	item.SetMeta(workitem.MetaOriginLane, d.Lane)
	if err := b.publishLocked(ctx, cfg.DeadLetterTarget, item, broker.PublishOptions{}); err != nil {
		return err
	}
	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("fiscal/amqp: ack rejected: %w", err)
	}
	return nil
}

// Close closes the channel, and the connection when the broker dialed it.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.ch.Close()
	if b.owned {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
