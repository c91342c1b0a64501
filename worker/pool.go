package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/fiscal/backoff"
	"github.com/xraph/fiscal/broker"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
)

// LaneManager controls lane state plus per-lane and per-tenant rate
// limiting and concurrency. The pool calls Acquire before executing a
// received item and Release after execution completes.
type LaneManager interface {
	// Dispatchable reports whether the lane may dequeue.
	Dispatchable(lane string) bool
	// Acquire checks rate limits and concurrency for the lane/tenant
	// combination. Returns true if the item is allowed to proceed.
	Acquire(lane, tenantID string) bool
	// Release decrements the active count for the lane/tenant pair.
	Release(lane, tenantID string)
}

var _ LaneManager = (*lane.Manager)(nil)

// DeadLetterHandler consumes the dead-letter lane.
type DeadLetterHandler interface {
	Handle(ctx context.Context, item *workitem.WorkItem) (*deadletter.Result, error)
}

var _ DeadLetterHandler = (*deadletter.Analyzer)(nil)

// Pool services one lane with between MinConsumers and MaxConsumers
// consumer goroutines. A consumer that receives a full batch starts
// another consumer; a consumer above the minimum that finds the lane
// empty exits.
type Pool struct {
	cfg          lane.Config
	broker       broker.Broker
	executor     *Executor
	deadLetters  DeadLetterHandler
	manager      LaneManager
	extensions   *ext.Registry
	pollInterval time.Duration
	errBackoff   backoff.Strategy
	clock        clock.Clock
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	consumers int

	activeItems map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how long an idle consumer waits before polling
// its lane again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLaneManager sets the lane manager for pause/drain and rate limits.
func WithLaneManager(m LaneManager) PoolOption {
	return func(p *Pool) { p.manager = m }
}

// WithDeadLetterHandler sets the consumer of the dead-letter lane.
func WithDeadLetterHandler(h DeadLetterHandler) PoolOption {
	return func(p *Pool) { p.deadLetters = h }
}

// WithPoolClock sets the time source for due checks and requeues.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// NewPool creates a pool for the lane described by cfg.
func NewPool(
	cfg lane.Config,
	b broker.Broker,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		cfg:          cfg,
		broker:       b,
		executor:     executor,
		extensions:   extensions,
		pollInterval: 500 * time.Millisecond,
		clock:        clock.System{},
		workerID:     id.NewWorkerID(),
		logger:       logger.With(slog.String("lane", cfg.Name)),
		stopCh:       make(chan struct{}),
		activeItems:  make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(p)
	}
	p.errBackoff = backoff.NewExponentialWithJitter(p.pollInterval, 30*time.Second)
	if p.cfg.MinConsumers < 1 {
		p.cfg.MinConsumers = 1
	}
	if p.cfg.MaxConsumers < p.cfg.MinConsumers {
		p.cfg.MaxConsumers = p.cfg.MinConsumers
	}
	if p.cfg.BatchSize < 1 {
		p.cfg.BatchSize = 1
	}
	return p
}

// Lane returns the lane the pool consumes.
func (p *Pool) Lane() string { return p.cfg.Name }

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Consumers returns the number of live consumer goroutines.
func (p *Pool) Consumers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumers
}

// Start launches MinConsumers consumers. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("lane pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("min_consumers", p.cfg.MinConsumers),
		slog.Int("max_consumers", p.cfg.MaxConsumers),
		slog.Int("batch_size", p.cfg.BatchSize),
	)

	for range p.cfg.MinConsumers {
		p.spawnLocked()
	}
	return nil
}

// Stop signals all consumers to stop and waits for in-flight items.
// If ctx ends first, in-flight items are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("lane pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("lane pool shutdown timed out, cancelling in-flight items")
		p.cancelActive()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) spawnLocked() {
	p.consumers++
	p.wg.Add(1)
	go p.consume()
}

// scaleUp starts one more consumer if below the maximum.
func (p *Pool) scaleUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.consumers >= p.cfg.MaxConsumers {
		return
	}
	p.spawnLocked()
	p.logger.Debug("lane pool scaled up", slog.Int("consumers", p.consumers))
}

// scaleDown retires the calling consumer if above the minimum.
func (p *Pool) scaleDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumers <= p.cfg.MinConsumers {
		return false
	}
	p.consumers--
	p.logger.Debug("lane pool scaled down", slog.Int("consumers", p.consumers))
	return true
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.consumers--
	p.mu.Unlock()
}

// consume is run by each consumer goroutine.
func (p *Pool) consume() {
	defer p.wg.Done()

	failures := 0
	for {
		select {
		case <-p.stopCh:
			p.retire()
			return
		default:
		}

		if p.manager != nil && !p.manager.Dispatchable(p.cfg.Name) {
			p.sleep(p.pollInterval)
			continue
		}

		deliveries, err := p.broker.Receive(context.Background(), p.cfg.Name, p.cfg.BatchSize)
		if err != nil {
			failures++
			delay := p.errBackoff.Delay(failures)
			p.logger.Error("receive error",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
			p.sleep(delay)
			continue
		}
		failures = 0

		if len(deliveries) == 0 {
			if p.scaleDown() {
				return
			}
			p.sleep(p.pollInterval)
			continue
		}
		if len(deliveries) == p.cfg.BatchSize {
			p.scaleUp()
		}

		for _, d := range deliveries {
			p.process(d)
		}
	}
}

func (p *Pool) process(d *broker.Delivery) {
	item := d.Item
	now := p.clock.Now()

	// The rest of a batch received before a pause or drain goes back.
	if p.manager != nil && !p.manager.Dispatchable(p.cfg.Name) {
		p.requeue(d, time.Time{})
		return
	}

	// Retry-lane items that are not yet due stay queued.
	if !item.Due(now) {
		p.requeue(d, item.NextAttemptAt)
		return
	}

	if p.manager != nil && !p.manager.Acquire(p.cfg.Name, item.TenantID) {
		p.requeue(d, now.Add(p.pollInterval))
		return
	}
	if p.manager != nil {
		defer p.manager.Release(p.cfg.Name, item.TenantID)
	}

	if p.cfg.Name == lane.DeadLetter {
		p.handleDeadLetter(d)
		return
	}

	p.extensions.EmitItemStarted(context.Background(), item)

	ctx, cancel := context.WithCancel(context.Background())
	p.track(item.ID.String(), cancel)
	outcome, err := p.executor.Execute(ctx, item)
	p.untrack(item.ID.String())
	cancel()

	if err != nil || !outcome.Settled() {
		p.requeue(d, p.clock.Now().Add(p.pollInterval))
		return
	}
	p.ack(d)
}

func (p *Pool) handleDeadLetter(d *broker.Delivery) {
	if p.deadLetters == nil {
		p.logger.Warn("no dead-letter handler, leaving item queued",
			slog.String("item_id", d.Item.ID.String()),
		)
		p.requeue(d, p.clock.Now().Add(p.pollInterval))
		return
	}

	res, err := p.deadLetters.Handle(context.Background(), d.Item)
	if err != nil && res == nil {
		p.logger.Error("dead-letter analysis failed",
			slog.String("item_id", d.Item.ID.String()),
			slog.String("error", err.Error()),
		)
		p.requeue(d, p.clock.Now().Add(p.pollInterval))
		return
	}
	if err != nil {
		// Recorded but not re-injected; the entry stays open for replay.
		p.logger.Error("dead-letter recovery failed",
			slog.String("item_id", d.Item.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	p.ack(d)
}

func (p *Pool) ack(d *broker.Delivery) {
	if err := d.Ack(context.Background()); err != nil {
		p.logger.Error("ack failed",
			slog.String("item_id", d.Item.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) requeue(d *broker.Delivery, at time.Time) {
	if err := d.Requeue(context.Background(), at); err != nil {
		p.logger.Error("requeue failed",
			slog.String("item_id", d.Item.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

func (p *Pool) track(itemID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeItems[itemID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(itemID string) {
	p.activeMu.Lock()
	delete(p.activeItems, itemID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for itemID, cancel := range p.activeItems {
		p.logger.Warn("cancelling in-flight item", slog.String("item_id", itemID))
		cancel()
	}
}
