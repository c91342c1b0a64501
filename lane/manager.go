package lane

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/fiscal"
)

// State is the administrative state of a lane.
type State string

const (
	// StateRunning means consumers dequeue normally.
	StateRunning State = "running"
	// StatePaused means consumers stop dequeuing. In-flight items finish.
	StatePaused State = "paused"
	// StateDraining means no new dequeues while in-flight items finish.
	StateDraining State = "draining"
	// StateDrained means a drain completed with nothing in flight.
	StateDrained State = "drained"
)

// Status is a point-in-time view of one lane.
type Status struct {
	Config
	State  State `json:"state"`
	Active int   `json:"active"`
}

// laneState tracks runtime state for a single lane.
type laneState struct {
	config  Config
	state   State
	limiter *rate.Limiter
	active  int
	drain   *drainWait
}

// drainWait is shared by every caller blocked in Drain on one lane.
type drainWait struct {
	done        chan struct{}
	interrupted bool
}

// Manager controls lane state plus per-lane and per-tenant rate limiting.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	lanes   map[string]*laneState
	tenants map[string]*tenantState
}

// NewManager creates a Manager for every lane in the table. All lanes
// start running.
func NewManager(t *Table) *Manager {
	m := &Manager{
		lanes:   make(map[string]*laneState),
		tenants: make(map[string]*tenantState),
	}
	for _, cfg := range t.Configs() {
		m.lanes[cfg.Name] = newLaneState(cfg)
	}
	return m
}

func newLaneState(cfg Config) *laneState {
	ls := &laneState{config: cfg, state: StateRunning}
	if cfg.RateLimit > 0 {
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burstOf(cfg.RateBurst))
	}
	return ls
}

func burstOf(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// Dispatchable reports whether consumers may dequeue from the lane.
func (m *Manager) Dispatchable(lane string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.lanes[lane]
	return ls != nil && ls.state == StateRunning
}

// Acquire checks the lane state and the rate limits for the given lane
// and tenant. A lane that is not running admits nothing, so a completed
// drain stays drained. If the item is allowed to proceed Acquire
// increments the active counters and returns true. The caller MUST call
// Release when the item completes.
func (m *Manager) Acquire(lane, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := m.lanes[lane]
	if ls != nil && ls.state != StateRunning {
		return false
	}
	if ls != nil && ls.limiter != nil && !ls.limiter.Allow() {
		return false
	}

	var ts *tenantState
	if tenantID != "" {
		ts = m.tenants[tenantKey(lane, tenantID)]
		if ts != nil {
			if ts.limiter != nil && !ts.limiter.Allow() {
				return false
			}
			if ts.maxConcurrency > 0 && ts.active >= ts.maxConcurrency {
				return false
			}
			ts.active++
		}
	}

	if ls != nil {
		ls.active++
	}
	return true
}

// Release decrements the active counters. The last release on a
// draining lane completes the drain.
func (m *Manager) Release(lane, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ls := m.lanes[lane]; ls != nil {
		if ls.active > 0 {
			ls.active--
		}
		if ls.active == 0 && ls.state == StateDraining {
			ls.finishDrain()
		}
	}

	if tenantID != "" {
		if ts := m.tenants[tenantKey(lane, tenantID)]; ts != nil && ts.active > 0 {
			ts.active--
		}
	}
}

func (ls *laneState) finishDrain() {
	ls.state = StateDrained
	ls.releaseDrain(false)
}

func (ls *laneState) releaseDrain(interrupted bool) {
	if ls.drain == nil {
		return
	}
	ls.drain.interrupted = interrupted
	close(ls.drain.done)
	ls.drain = nil
}

// Pause stops new dequeues on the lane.
func (m *Manager) Pause(lane string) error {
	return m.setState(lane, StatePaused)
}

// Resume restarts dequeues on a paused, draining or drained lane. A
// pending Drain on the lane returns fiscal.ErrDrainInterrupted.
func (m *Manager) Resume(lane string) error {
	return m.setState(lane, StateRunning)
}

func (m *Manager) setState(lane string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := m.lanes[lane]
	if ls == nil {
		return fmt.Errorf("%w: %q", fiscal.ErrLaneNotFound, lane)
	}
	ls.releaseDrain(true)
	ls.state = s
	return nil
}

// Drain stops new dequeues on the lane and blocks until every in-flight
// item has been released or ctx is done. A Pause or Resume issued while
// the drain waits ends it with fiscal.ErrDrainInterrupted.
func (m *Manager) Drain(ctx context.Context, lane string) error {
	m.mu.Lock()
	ls := m.lanes[lane]
	if ls == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", fiscal.ErrLaneNotFound, lane)
	}
	ls.state = StateDraining
	if ls.active == 0 {
		ls.finishDrain()
		m.mu.Unlock()
		return nil
	}
	if ls.drain == nil {
		ls.drain = &drainWait{done: make(chan struct{})}
	}
	w := ls.drain
	m.mu.Unlock()

	select {
	case <-w.done:
		if w.interrupted {
			return fmt.Errorf("%w: %q", fiscal.ErrDrainInterrupted, lane)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the administrative state of the lane.
func (m *Manager) State(lane string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.lanes[lane]
	if ls == nil {
		return "", fmt.Errorf("%w: %q", fiscal.ErrLaneNotFound, lane)
	}
	return ls.state, nil
}

// ActiveCount returns the number of in-flight items on the lane.
func (m *Manager) ActiveCount(lane string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls := m.lanes[lane]; ls != nil {
		return ls.active
	}
	return 0
}

// Snapshot returns the status of every lane sorted by name.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.lanes))
	for _, ls := range m.lanes {
		out = append(out, Status{Config: ls.config, State: ls.state, Active: ls.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
