package engine

import (
	"context"
	"log/slog"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
)

// ──────────────────────────────────────────────────
// Administrative operations
// ──────────────────────────────────────────────────

// PauseLane stops new dequeues on a lane. In-flight items finish.
func (e *Engine) PauseLane(laneName string) error {
	if err := e.manager.Pause(laneName); err != nil {
		return err
	}
	e.logger.Info("lane paused", slog.String("lane", laneName))
	return nil
}

// ResumeLane restarts dequeues on a lane.
func (e *Engine) ResumeLane(laneName string) error {
	if err := e.manager.Resume(laneName); err != nil {
		return err
	}
	e.logger.Info("lane resumed", slog.String("lane", laneName))
	return nil
}

// DrainLane stops new dequeues and blocks until in-flight items on the
// lane have finished or ctx ends. The lane stays drained until resumed.
func (e *Engine) DrainLane(ctx context.Context, laneName string) error {
	if err := e.manager.Drain(ctx, laneName); err != nil {
		return err
	}
	e.logger.Info("lane drained", slog.String("lane", laneName))
	return nil
}

// LaneStatus is a lane's runtime view including its consumer count.
type LaneStatus struct {
	lane.Status
	Consumers int `json:"consumers"`
}

// Lanes returns the status of every lane sorted by name.
func (e *Engine) Lanes() []LaneStatus {
	snap := e.manager.Snapshot()
	out := make([]LaneStatus, 0, len(snap))
	for _, st := range snap {
		ls := LaneStatus{Status: st}
		if p, ok := e.group.Pool(st.Name); ok {
			ls.Consumers = p.Consumers()
		}
		out = append(out, ls)
	}
	return out
}

// DeadLetters lists dead-letter entries.
func (e *Engine) DeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	return e.deadLetter.List(ctx, opts)
}

// DeadLetter returns one dead-letter entry.
func (e *Engine) DeadLetter(ctx context.Context, entryID id.DLQID) (*deadletter.Entry, error) {
	return e.deadLetter.Get(ctx, entryID)
}

// ReplayDeadLetter republishes an entry's item with a fresh ID and
// attempt budget.
func (e *Engine) ReplayDeadLetter(ctx context.Context, entryID id.DLQID) (*workitem.WorkItem, error) {
	item, err := e.deadLetter.Replay(ctx, entryID)
	if item != nil {
		e.logger.Info("dead letter replayed",
			slog.String("entry_id", entryID.String()),
			slog.String("item_id", item.ID.String()),
		)
	}
	return item, err
}

// DeleteDeadLetter removes an entry.
func (e *Engine) DeleteDeadLetter(ctx context.Context, entryID id.DLQID) error {
	return e.deadLetter.Delete(ctx, entryID)
}

// Stats is an operational summary of the engine.
type Stats struct {
	Lanes             []LaneStatus      `json:"lanes"`
	DeadLetters       *deadletter.Stats `json:"dead_letters"`
	TenantDeadLetters map[string]int64  `json:"tenant_dead_letters"`
}

// Stats returns lane state, stored dead-letter counts and the analyzer's
// per-tenant counters for the current period.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	dl, err := e.deadLetter.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Lanes:             e.Lanes(),
		DeadLetters:       dl,
		TenantDeadLetters: e.aggregator.TenantCounts(),
	}, nil
}
