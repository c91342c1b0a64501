package deadletter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// Republisher sends a work item back onto the lane its operation and
// priority route to.
type Republisher interface {
	Republish(ctx context.Context, item *workitem.WorkItem) error
}

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store Store
	pub   Republisher
	clock clock.Clock
}

// NewService creates a dead-letter service. pub may be nil when replay
// is not needed.
func NewService(store Store, pub Republisher, c clock.Clock) *Service {
	if c == nil {
		c = clock.System{}
	}
	return &Service{store: store, pub: pub, clock: c}
}

// SetRepublisher sets the replay target after construction.
func (s *Service) SetRepublisher(pub Republisher) { s.pub = pub }

// Store returns the underlying store for direct access.
func (s *Service) Store() Store { return s.store }

// Push builds an Entry from a dead-lettered item and persists it.
func (s *Service) Push(ctx context.Context, item *workitem.WorkItem, reason string, class failure.Class) (*Entry, error) {
	now := s.clock.Now()
	recoveries, _ := strconv.Atoi(item.Meta(workitem.MetaRecoveries)) //nolint:errcheck // absent means zero

	origin := item.Meta(workitem.MetaOriginLane)
	if origin == "" {
		origin = item.Lane
	}

	e := &Entry{
		ID:             id.NewDLQID(),
		ItemID:         item.ID,
		TenantID:       item.TenantID,
		CorrelationKey: item.CorrelationKey,
		Operation:      item.Operation,
		Priority:       item.Priority,
		OriginLane:     origin,
		Payload:        item.Payload,
		Reason:         reason,
		Class:          class,
		AttemptCount:   item.AttemptCount,
		Recoveries:     recoveries,
		Metadata:       item.Clone().Metadata,
		State:          StateOpen,
		FailedAt:       now,
		CreatedAt:      now,
	}
	if err := s.store.PushDeadLetter(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkRecovering records that the analyzer re-injected the entry's item.
func (s *Service) MarkRecovering(ctx context.Context, e *Entry, at time.Time) error {
	e.State = StateRecovering
	e.RecoverAt = &at
	return s.store.UpdateDeadLetter(ctx, e)
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	return s.store.GetDeadLetter(ctx, entryID)
}

// List returns entries matching opts.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDeadLetters(ctx, opts)
}

// Replay republishes the entry's item to its original lane with a fresh
// ID and attempt budget, then marks the entry replayed.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*workitem.WorkItem, error) {
	e, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if s.pub == nil {
		return nil, errNoRepublisher
	}

	now := s.clock.Now()
	item := e.Item()
	item.ID = id.NewWorkItemID()
	item.AttemptCount = 0
	item.NextAttemptAt = time.Time{}
	item.CreatedAt = now
	delete(item.Metadata, workitem.MetaReason)
	delete(item.Metadata, workitem.MetaOriginLane)
	delete(item.Metadata, workitem.MetaClass)
	item.SetMeta(workitem.MetaReplayedFrom, e.ID.String())

	if err := s.pub.Republish(ctx, item); err != nil {
		return nil, err
	}

	e.State = StateReplayed
	e.ReplayedAt = &now
	if err := s.store.UpdateDeadLetter(ctx, e); err != nil {
		// The item is already republished. Report but keep the item.
		return item, err
	}
	return item, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, entryID id.DLQID) error {
	return s.store.DeleteDeadLetter(ctx, entryID)
}

// Purge removes entries that failed more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeDeadLetters(ctx, s.clock.Now().Add(-olderThan))
}

// Count returns the number of stored entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountDeadLetters(ctx)
}

// Stats summarizes stored entries.
type Stats struct {
	Total    int64                   `json:"total"`
	ByClass  map[failure.Class]int64 `json:"by_class"`
	ByTenant map[string]int64        `json:"by_tenant"`
	ByState  map[State]int64         `json:"by_state"`
}

// Stats counts stored entries by class, tenant and state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	entries, err := s.store.ListDeadLetters(ctx, ListOpts{})
	if err != nil {
		return nil, err
	}
	st := &Stats{
		ByClass:  make(map[failure.Class]int64),
		ByTenant: make(map[string]int64),
		ByState:  make(map[State]int64),
	}
	for _, e := range entries {
		st.Total++
		st.ByClass[e.Class]++
		st.ByTenant[e.TenantID]++
		st.ByState[e.State]++
	}
	return st, nil
}

var errNoRepublisher = errors.New("deadletter: no republisher configured")
