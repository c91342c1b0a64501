package lane

import (
	"fmt"
	"sort"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/workitem"
)

// Lane names.
const (
	IssueHigh   = "fiscal.issue.high"
	IssueNormal = "fiscal.issue.normal"
	IssueLow    = "fiscal.issue.low"
	Query       = "fiscal.query"
	Event       = "fiscal.event"
	Void        = "fiscal.void"
	Retry       = "fiscal.retry"
	DeadLetter  = "fiscal.dlq"
)

// Key selects a lane. Priority is empty for classes that are not split
// by priority.
type Key struct {
	Class    workitem.Class
	Priority workitem.Priority
}

// Config is the static configuration of one lane.
type Config struct {
	// Name is the lane (queue) name.
	Name string `json:"name"`

	// MinConsumers is the number of consumers kept alive when idle.
	MinConsumers int `json:"min_consumers"`

	// MaxConsumers bounds concurrent consumers under load.
	MaxConsumers int `json:"max_consumers"`

	// BatchSize is how many items one consumer pulls per receive.
	BatchSize int `json:"batch_size"`

	// TTL is the message time-to-live. Zero means no expiry.
	TTL time.Duration `json:"ttl"`

	// BrokerPriority is the numeric message priority. Only issue lanes
	// set it.
	BrokerPriority uint8 `json:"broker_priority,omitempty"`

	// Timeout bounds the processing of a single item.
	Timeout time.Duration `json:"timeout"`

	// DeadLetterTarget receives expired and rejected messages.
	DeadLetterTarget string `json:"dead_letter_target,omitempty"`

	// RateLimit is the sustained items per second. Zero disables it.
	RateLimit float64 `json:"rate_limit,omitempty"`

	// RateBurst is the token-bucket burst size.
	RateBurst int `json:"rate_burst,omitempty"`
}

// Table maps lane keys to lanes. It is immutable once built.
type Table struct {
	routes map[Key]string
	lanes  map[string]Config
}

// DefaultTable returns the standard lane layout.
func DefaultTable() *Table {
	lanes := []Config{
		{Name: IssueHigh, MinConsumers: 1, MaxConsumers: 5, BatchSize: 1, TTL: 300 * time.Second, BrokerPriority: 10, Timeout: 60 * time.Second},
		{Name: IssueNormal, MinConsumers: 1, MaxConsumers: 4, BatchSize: 3, TTL: 600 * time.Second, BrokerPriority: 5, Timeout: 120 * time.Second},
		{Name: IssueLow, MinConsumers: 1, MaxConsumers: 3, BatchSize: 5, TTL: 1800 * time.Second, BrokerPriority: 1, Timeout: 180 * time.Second},
		{Name: Query, MinConsumers: 1, MaxConsumers: 3, BatchSize: 5, TTL: 300 * time.Second, Timeout: 30 * time.Second},
		{Name: Event, MinConsumers: 1, MaxConsumers: 2, BatchSize: 1, TTL: 900 * time.Second, Timeout: 60 * time.Second},
		{Name: Void, MinConsumers: 1, MaxConsumers: 1, BatchSize: 1, TTL: 1800 * time.Second, Timeout: 60 * time.Second},
		{Name: Retry, MinConsumers: 1, MaxConsumers: 3, BatchSize: 5, TTL: 24 * time.Hour, Timeout: 120 * time.Second},
		{Name: DeadLetter, MinConsumers: 1, MaxConsumers: 1, BatchSize: 1, Timeout: 30 * time.Second},
	}

	routes := map[Key]string{
		{workitem.ClassIssue, workitem.PriorityHigh}:   IssueHigh,
		{workitem.ClassIssue, workitem.PriorityNormal}: IssueNormal,
		{workitem.ClassIssue, workitem.PriorityLow}:    IssueLow,
		{workitem.ClassQuery, ""}:                      Query,
		{workitem.ClassEvent, ""}:                      Event,
		{workitem.ClassVoid, ""}:                       Void,
	}

	t := &Table{routes: routes, lanes: make(map[string]Config, len(lanes))}
	for _, c := range lanes {
		if c.Name != DeadLetter {
			c.DeadLetterTarget = DeadLetter
		}
		t.lanes[c.Name] = c
	}
	return t
}

// Resolve returns the lane serving op at priority.
func (t *Table) Resolve(op workitem.Operation, priority workitem.Priority) (Config, error) {
	class := op.Class()
	if class == "" {
		return Config{}, fmt.Errorf("%w: unknown operation %q", fiscal.ErrLaneNotFound, op)
	}

	key := Key{Class: class}
	if class == workitem.ClassIssue {
		if !priority.Valid() {
			return Config{}, fmt.Errorf("%w: unknown priority %q", fiscal.ErrLaneNotFound, priority)
		}
		key.Priority = priority
	}

	name, ok := t.routes[key]
	if !ok {
		return Config{}, fmt.Errorf("%w: no route for %s/%s", fiscal.ErrLaneNotFound, key.Class, key.Priority)
	}
	return t.lanes[name], nil
}

// Lane returns the configuration of the named lane.
func (t *Table) Lane(name string) (Config, bool) {
	c, ok := t.lanes[name]
	return c, ok
}

// Names returns all lane names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.lanes))
	for name := range t.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs returns all lane configurations sorted by name.
func (t *Table) Configs() []Config {
	out := make([]Config, 0, len(t.lanes))
	for _, name := range t.Names() {
		out = append(out, t.lanes[name])
	}
	return out
}

// WithOverrides returns a copy of t with the non-zero override fields
// applied. Overrides naming unknown lanes are an error.
func (t *Table) WithOverrides(overrides map[string]fiscal.LaneOverride) (*Table, error) {
	cp := &Table{routes: t.routes, lanes: make(map[string]Config, len(t.lanes))}
	for name, c := range t.lanes {
		cp.lanes[name] = c
	}

	for name, o := range overrides {
		c, ok := cp.lanes[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", fiscal.ErrLaneNotFound, name)
		}
		if o.MinConsumers > 0 {
			c.MinConsumers = o.MinConsumers
		}
		if o.MaxConsumers > 0 {
			c.MaxConsumers = o.MaxConsumers
		}
		if o.BatchSize > 0 {
			c.BatchSize = o.BatchSize
		}
		if o.TTL > 0 {
			c.TTL = o.TTL
		}
		if o.Timeout > 0 {
			c.Timeout = o.Timeout
		}
		if o.RateLimit > 0 {
			c.RateLimit = o.RateLimit
			c.RateBurst = o.RateBurst
		}
		if c.MaxConsumers < c.MinConsumers {
			c.MaxConsumers = c.MinConsumers
		}
		cp.lanes[name] = c
	}
	return cp, nil
}
