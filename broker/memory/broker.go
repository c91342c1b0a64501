// Package memory implements broker.Broker in process. Messages live in a
// per-lane priority heap plus a delay heap, so publish order, priority,
// scheduled visibility and TTL expiry behave like a real broker without
// any external service. Useful for tests and single-node deployments.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

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

// Message is a snapshot of one queued message.
type Message struct {
	Item      *workitem.WorkItem
	Priority  uint8
	VisibleAt time.Time
	ExpiresAt time.Time
	InFlight  bool
}

type message struct {
	tag       string
	seq       uint64
	item      *workitem.WorkItem
	priority  uint8
	visibleAt time.Time
	expiresAt time.Time
	delivered bool
}

type laneQueue struct {
	cfg      lane.Config
	ready    readyHeap
	delayed  delayHeap
	inflight map[string]*message
}

// Option configures the Broker.
type Option func(*Broker)

// WithClock sets the time source used for visibility and TTL.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// Broker is an in-memory broker. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	clock  clock.Clock
	lanes  map[string]*laneQueue
	seq    uint64
	closed bool
}

// New returns an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{clock: clock.System{}, lanes: make(map[string]*laneQueue)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Declare registers a lane, replacing the configuration of an existing one.
func (b *Broker) Declare(_ context.Context, cfg lane.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fiscal.ErrBrokerClosed
	}
	if q, ok := b.lanes[cfg.Name]; ok {
		q.cfg = cfg
		return nil
	}
	b.lanes[cfg.Name] = &laneQueue{cfg: cfg, inflight: make(map[string]*message)}
	return nil
}

// Publish enqueues a copy of item.
func (b *Broker) Publish(_ context.Context, laneName string, item *workitem.WorkItem, opts broker.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fiscal.ErrBrokerClosed
	}
	q, ok := b.lanes[laneName]
	if !ok {
		return fmt.Errorf("%w: %q not declared", fiscal.ErrLaneNotFound, laneName)
	}
	b.pushLocked(q, item.Clone(), opts)
	return nil
}

func (b *Broker) pushLocked(q *laneQueue, item *workitem.WorkItem, opts broker.PublishOptions) {
	now := b.clock.Now()
	b.seq++

	m := &message{
		tag:       strconv.FormatUint(b.seq, 10),
		seq:       b.seq,
		item:      item,
		priority:  opts.Priority,
		visibleAt: opts.VisibleAt,
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = q.cfg.TTL
	}
	if ttl > 0 {
		start := now
		if m.visibleAt.After(now) {
			start = m.visibleAt
		}
		m.expiresAt = start.Add(ttl)
	}

	if m.visibleAt.After(now) {
		heap.Push(&q.delayed, m)
		return
	}
	heap.Push(&q.ready, m)
}

// Receive pops up to max visible messages, dead-lettering any whose TTL
// ran out while waiting.
func (b *Broker) Receive(_ context.Context, laneName string, maxItems int) ([]*broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fiscal.ErrBrokerClosed
	}
	q, ok := b.lanes[laneName]
	if !ok {
		return nil, fmt.Errorf("%w: %q not declared", fiscal.ErrLaneNotFound, laneName)
	}

	now := b.clock.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].visibleAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}

	var out []*broker.Delivery
	for len(out) < maxItems && q.ready.Len() > 0 {
		m := heap.Pop(&q.ready).(*message) //nolint:forcetypeassert // heap holds *message only
		if !m.expiresAt.IsZero() && now.After(m.expiresAt) {
			b.deadLetterLocked(q, m, broker.ExpiredReason(q.cfg.Name))
			continue
		}
		q.inflight[m.tag] = m
		d := broker.NewDelivery(m.item.Clone(), q.cfg.Name, m.tag, m.priority, b)
		d.Redelivered = m.delivered
		m.delivered = true
		out = append(out, d)
	}
	return out, nil
}

func (b *Broker) deadLetterLocked(q *laneQueue, m *message, reason string) {
	target, ok := b.lanes[q.cfg.DeadLetterTarget]
	if !ok {
		return
	}
	item := m.item.Clone()
	item.SetMeta(workitem.MetaReason, reason)
	item.SetMeta(workitem.MetaOriginLane, q.cfg.Name)
	b.pushLocked(target, item, broker.PublishOptions{})
}

// Ack removes a delivered message.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.takeLocked(d)
	return err
}

// Requeue returns a delivered message to its lane.
func (b *Broker) Requeue(_ context.Context, d *broker.Delivery, visibleAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.takeLocked(d)
	if err != nil {
		return err
	}
	q := b.lanes[d.Lane]
	m.visibleAt = visibleAt
	if visibleAt.After(b.clock.Now()) {
		heap.Push(&q.delayed, m)
	} else {
		heap.Push(&q.ready, m)
	}
	return nil
}

// Reject routes a delivered message to the lane's dead-letter target.
func (b *Broker) Reject(_ context.Context, d *broker.Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.takeLocked(d)
	if err != nil {
		return err
	}
	b.deadLetterLocked(b.lanes[d.Lane], m, reason)
	return nil
}

func (b *Broker) takeLocked(d *broker.Delivery) (*message, error) {
	q, ok := b.lanes[d.Lane]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fiscal.ErrLaneNotFound, d.Lane)
	}
	m, ok := q.inflight[d.Tag]
	if !ok {
		return nil, fmt.Errorf("memory broker: delivery %s on %s already settled", d.Tag, d.Lane)
	}
	delete(q.inflight, d.Tag)
	return m, nil
}

// Close drops all messages.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.lanes = make(map[string]*laneQueue)
	return nil
}

// Messages returns a snapshot of every message on the lane, ready
// messages first in dequeue order, then delayed and in-flight ones.
func (b *Broker) Messages(laneName string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.lanes[laneName]
	if !ok {
		return nil
	}

	snap := func(m *message, inFlight bool) Message {
		return Message{
			Item:      m.item.Clone(),
			Priority:  m.priority,
			VisibleAt: m.visibleAt,
			ExpiresAt: m.expiresAt,
			InFlight:  inFlight,
		}
	}

	out := make([]Message, 0, q.ready.Len()+q.delayed.Len()+len(q.inflight))
	ready := append(readyHeap(nil), q.ready...)
	for ready.Len() > 0 {
		out = append(out, snap(heap.Pop(&ready).(*message), false)) //nolint:forcetypeassert // heap holds *message only
	}
	delayed := append(delayHeap(nil), q.delayed...)
	for delayed.Len() > 0 {
		out = append(out, snap(heap.Pop(&delayed).(*message), false)) //nolint:forcetypeassert // heap holds *message only
	}
	for _, m := range q.inflight {
		out = append(out, snap(m, true))
	}
	return out
}

// Len returns the number of ready and delayed messages on the lane.
func (b *Broker) Len(laneName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.lanes[laneName]
	if !ok {
		return 0
	}
	return q.ready.Len() + q.delayed.Len()
}
