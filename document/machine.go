package document

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/clock"
)

const stripes = 64

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithMaxErrors caps the error history kept per record.
func WithMaxErrors(n int) Option {
	return func(m *Machine) { m.maxErrors = n }
}

// WithMaxConflictRetries bounds how often a stale update is retried.
func WithMaxConflictRetries(n int) Option {
	return func(m *Machine) { m.maxConflicts = n }
}

// Machine applies lifecycle transitions to document records.
type Machine struct {
	store        Store
	logger       *slog.Logger
	clock        clock.Clock
	maxErrors    int
	maxConflicts int
	locks        [stripes]sync.Mutex
}

// NewMachine creates a Machine over store.
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:        store,
		logger:       slog.Default(),
		clock:        clock.System{},
		maxErrors:    20,
		maxConflicts: 5,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the underlying record store.
func (m *Machine) Store() Store { return m.store }

func (m *Machine) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%stripes]
}

// Create persists a new PENDING record.
func (m *Machine) Create(ctx context.Context, r *Record) error {
	now := m.clock.Now()
	r.Entity = fiscal.NewEntity(now)
	r.Status = StatusPending
	r.Version = 0
	return m.store.CreateDocument(ctx, r)
}

// Get returns the current record.
func (m *Machine) Get(ctx context.Context, accessKey string) (*Record, error) {
	return m.store.GetDocument(ctx, accessKey)
}

// Update loads the record, applies fn to a copy and swaps it in.
// Version conflicts reload and reapply fn, up to the conflict budget,
// without touching the record's attempt count. An error from fn aborts
// the update unchanged.
func (m *Machine) Update(ctx context.Context, accessKey string, fn func(*Record) error) (*Record, error) {
	mu := m.lock(accessKey)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for try := 0; try <= m.maxConflicts; try++ {
		cur, err := m.store.GetDocument(ctx, accessKey)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = m.clock.Now()

		err = m.store.SwapDocument(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, fiscal.ErrStaleState) {
			return nil, err
		}
		lastErr = err
		m.logger.Debug("document update conflict, retrying",
			slog.String("access_key", accessKey),
			slog.Int("try", try+1),
		)
	}
	return nil, lastErr
}

// Transition moves the record to status, rejecting edges outside the
// lifecycle graph with fiscal.ErrInvalidTransition.
func (m *Machine) Transition(ctx context.Context, accessKey string, to Status, note string) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, to); err != nil {
			return err
		}
		r.Status = to
		r.Note = note
		return nil
	})
}

func checkTransition(r *Record, to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", fiscal.ErrInvalidTransition, r.Status, to, r.AccessKey)
	}
	return nil
}

// RecordAttemptFailure appends note to the error history, increments the
// attempt count and moves the record to ERROR. Whether to retry is not
// decided here.
func (m *Machine) RecordAttemptFailure(ctx context.Context, accessKey, note string) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, StatusError); err != nil {
			return err
		}
		r.Status = StatusError
		r.AttemptCount++
		r.Errors = appendCapped(r.Errors, note, m.maxErrors)
		return nil
	})
}

// ScheduleRetry moves an ERROR record to RETRY_SCHEDULED.
func (m *Machine) ScheduleRetry(ctx context.Context, accessKey string, at time.Time) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, StatusRetryScheduled); err != nil {
			return err
		}
		r.Status = StatusRetryScheduled
		r.NextAttemptAt = at
		return nil
	})
}

// Authorize records the authority protocol and signed payload.
func (m *Machine) Authorize(ctx context.Context, accessKey, protocol string, signed []byte) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, StatusAuthorized); err != nil {
			return err
		}
		r.Status = StatusAuthorized
		r.Protocol = protocol
		r.SignedPayload = signed
		r.NextAttemptAt = time.Time{}
		return nil
	})
}

// Reject finalizes the record as REJECTED by the authority.
func (m *Machine) Reject(ctx context.Context, accessKey, reason string) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, StatusRejected); err != nil {
			return err
		}
		r.Status = StatusRejected
		r.Errors = appendCapped(r.Errors, reason, m.maxErrors)
		r.NextAttemptAt = time.Time{}
		return nil
	})
}

// Cancel moves an AUTHORIZED record to CANCELLED.
func (m *Machine) Cancel(ctx context.Context, accessKey, protocol, reason string) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if err := checkTransition(r, StatusCancelled); err != nil {
			return err
		}
		r.Status = StatusCancelled
		r.CancelProtocol = protocol
		r.Events = append(r.Events, Event{
			Type:      EventCancellation,
			Sequence:  r.NextEventSequence(EventCancellation),
			Text:      reason,
			Protocol:  protocol,
			CreatedAt: m.clock.Now(),
		})
		return nil
	})
}

// AppendEvent records an authority-acknowledged event on an AUTHORIZED
// record. Sequence is assigned when zero.
func (m *Machine) AppendEvent(ctx context.Context, accessKey string, e Event) (*Record, error) {
	return m.Update(ctx, accessKey, func(r *Record) error {
		if r.Status != StatusAuthorized {
			return fmt.Errorf("%w: %s event on %s document %s", fiscal.ErrInvalidTransition, e.Type, r.Status, r.AccessKey)
		}
		if e.Sequence == 0 {
			e.Sequence = r.NextEventSequence(e.Type)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.clock.Now()
		}
		r.Events = append(r.Events, e)
		return nil
	})
}

func appendCapped(errs []string, note string, limit int) []string {
	errs = append(errs, note)
	if limit > 0 && len(errs) > limit {
		errs = errs[len(errs)-limit:]
	}
	return errs
}
