// Package schedule runs the periodic maintenance jobs of the engine on
// cron expressions: purging old dead-letter entries, resetting the
// analyzer's per-tenant counters and reconciling documents stuck in
// PROCESSING by enqueueing a status query for each.
//
// Expressions accept the standard five fields and descriptors such as
// "@daily" or "@every 5m". An empty expression disables the job.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/workitem"
)

// Task names reported to MaintenanceRan hooks.
const (
	TaskPurgeDeadLetters   = "purge_dead_letters"
	TaskResetTenantCounts  = "reset_tenant_counts"
	TaskReconcileDocuments = "reconcile_documents"
)

// reconcileBatch bounds the records reconciled per run.
const reconcileBatch = 500

// Purger removes dead-letter entries older than a retention period.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TenantResetter clears per-tenant dead-letter counters.
type TenantResetter interface {
	ResetTenants()
}

// Publisher enqueues a work item.
type Publisher interface {
	Publish(
		ctx context.Context,
		op workitem.Operation,
		priority workitem.Priority,
		tenantID, correlationKey string,
		payload json.RawMessage,
	) (*workitem.WorkItem, error)
}

// Emitter reports finished maintenance runs.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitMaintenanceRan(ctx context.Context, task string, affected int64, taskErr error)
}

// Scheduler owns a cron runner with the maintenance jobs registered.
type Scheduler struct {
	cfg        fiscal.ScheduleConfig
	purgeAfter time.Duration
	staleAfter time.Duration

	purger    Purger
	resetter  TenantResetter
	documents document.Store
	publisher Publisher
	emitter   Emitter
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPurger enables the dead-letter purge job.
func WithPurger(p Purger, olderThan time.Duration) Option {
	return func(s *Scheduler) {
		s.purger = p
		s.purgeAfter = olderThan
	}
}

// WithTenantResetter enables the tenant counter reset job.
func WithTenantResetter(r TenantResetter) Option {
	return func(s *Scheduler) { s.resetter = r }
}

// WithReconciler enables the stale PROCESSING reconcile job.
func WithReconciler(docs document.Store, pub Publisher, staleAfter time.Duration) Option {
	return func(s *Scheduler) {
		s.documents = docs
		s.publisher = pub
		s.staleAfter = staleAfter
	}
}

// WithEmitter sets where run reports go.
func WithEmitter(e Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// parser supports standard 5-field cron and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return parser.Parse(expr)
}

// New creates a Scheduler. Jobs whose dependencies were not supplied
// through options are skipped.
func New(cfg fiscal.ScheduleConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type job struct {
	task string
	expr string
	run  func(context.Context) (int64, error)
}

func (s *Scheduler) jobs() []job {
	var jobs []job
	if s.purger != nil {
		jobs = append(jobs, job{TaskPurgeDeadLetters, s.cfg.PurgeDeadLetters, s.PurgeDeadLetters})
	}
	if s.resetter != nil {
		jobs = append(jobs, job{TaskResetTenantCounts, s.cfg.ResetTenantCounts, s.ResetTenantCounts})
	}
	if s.documents != nil && s.publisher != nil {
		jobs = append(jobs, job{TaskReconcileDocuments, s.cfg.ReconcileDocuments, s.ReconcileDocuments})
	}
	return jobs
}

// Start validates the expressions and starts the cron runner.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cronlib.New(cronlib.WithParser(parser), cronlib.WithLocation(time.UTC))
	for _, j := range s.jobs() {
		if j.expr == "" {
			s.logger.Debug("maintenance job disabled", slog.String("task", j.task))
			continue
		}
		if _, err := c.AddFunc(j.expr, func() { s.runJob(j) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.task, j.expr, err)
		}
		s.logger.Info("maintenance job scheduled",
			slog.String("task", j.task),
			slog.String("schedule", j.expr),
		)
	}
	c.Start()
	s.cron = c
	s.running = true
	return nil
}

// Stop stops the runner and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(j job) {
	ctx := context.Background()
	n, err := j.run(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed",
			slog.String("task", j.task),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("maintenance job ran",
			slog.String("task", j.task),
			slog.Int64("affected", n),
		)
	}
	if s.emitter != nil {
		s.emitter.EmitMaintenanceRan(ctx, j.task, n, err)
	}
}

// PurgeDeadLetters removes dead-letter entries past retention.
func (s *Scheduler) PurgeDeadLetters(ctx context.Context) (int64, error) {
	if s.purger == nil || s.purgeAfter <= 0 {
		return 0, nil
	}
	return s.purger.Purge(ctx, s.purgeAfter)
}

// ResetTenantCounts clears the per-tenant dead-letter counters so the
// tenant health alert measures a rolling period.
func (s *Scheduler) ResetTenantCounts(_ context.Context) (int64, error) {
	if s.resetter == nil {
		return 0, nil
	}
	s.resetter.ResetTenants()
	return 0, nil
}

// ReconcileDocuments enqueues a QUERY_STATUS for every record that has
// been PROCESSING for longer than the stale threshold. Records whose
// transmission reached the authority but whose answer was lost get
// settled by the status reply.
func (s *Scheduler) ReconcileDocuments(ctx context.Context) (int64, error) {
	if s.documents == nil || s.publisher == nil {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.staleAfter)
	recs, err := s.documents.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{
		Limit:         reconcileBatch,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale documents: %w", err)
	}

	var (
		n    int64
		errs []error
	)
	for _, r := range recs {
		_, err := s.publisher.Publish(ctx, workitem.OpQueryStatus, workitem.PriorityNormal, r.TenantID, r.AccessKey, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", r.AccessKey, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
