// Package broker defines the message-broker contract the engine publishes
// to and consumes from.
//
// The engine never implements durability itself. A [Broker] provides
// durable named lanes, numeric message priority, per-message TTL,
// scheduled future visibility and a dead-letter target per lane.
// Backends: memory (tests and single-process use), redis and amqp.
//
// Delivery is at-least-once. Every [Delivery] returned by Receive must be
// settled with exactly one of Ack, Requeue or Reject.
package broker

import (
	"context"
	"time"

	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
)

// PublishOptions tune a single publish.
type PublishOptions struct {
	// Priority is the numeric broker priority. Higher is dequeued first.
	Priority uint8

	// VisibleAt hides the message until the given time. Zero means now.
	VisibleAt time.Time

	// TTL overrides the lane's message TTL. Zero keeps the lane default.
	TTL time.Duration
}

// Broker is the contract between the engine and a message service.
type Broker interface {
	// Declare creates or updates the lane's queue with its TTL, priority
	// and dead-letter routing. It must be called before Publish or
	// Receive on that lane.
	Declare(ctx context.Context, cfg lane.Config) error

	// Publish enqueues item on the named lane.
	Publish(ctx context.Context, lane string, item *workitem.WorkItem, opts PublishOptions) error

	// Receive returns up to max visible messages without blocking. An
	// empty result means the lane has nothing ready.
	Receive(ctx context.Context, lane string, max int) ([]*Delivery, error)

	// Close releases broker resources.
	Close(ctx context.Context) error
}

// Acknowledger settles deliveries on behalf of a backend.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, d *Delivery, visibleAt time.Time) error
	Reject(ctx context.Context, d *Delivery, reason string) error
}

// Delivery is one received message.
type Delivery struct {
	// Item is the decoded work item.
	Item *workitem.WorkItem

	// Lane is the lane the message was received from.
	Lane string

	// Tag identifies the message within the backend.
	Tag string

	// Priority is the broker priority the message was published with.
	Priority uint8

	// Redelivered is set when the message was delivered before.
	Redelivered bool

	acker Acknowledger
}

// NewDelivery builds a delivery settled through acker.
func NewDelivery(item *workitem.WorkItem, laneName, tag string, priority uint8, acker Acknowledger) *Delivery {
	return &Delivery{Item: item, Lane: laneName, Tag: tag, Priority: priority, acker: acker}
}

// Ack removes the message from the lane.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.acker.Ack(ctx, d)
}

// Requeue returns the message to its lane, hidden until visibleAt. A
// zero visibleAt makes it visible immediately.
func (d *Delivery) Requeue(ctx context.Context, visibleAt time.Time) error {
	return d.acker.Requeue(ctx, d, visibleAt)
}

// Reject routes the message to its lane's dead-letter target, recording
// reason on the item.
func (d *Delivery) Reject(ctx context.Context, reason string) error {
	return d.acker.Reject(ctx, d, reason)
}

// ExpiredReason is the dead-letter reason recorded for messages whose TTL
// ran out before a consumer picked them up.
func ExpiredReason(laneName string) string {
	return "ttl timeout: message expired in " + laneName
}
