package deadletter

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

// Observation is one dead-lettered failure.
type Observation struct {
	TenantID  string
	Operation workitem.Operation
	Reason    string
	Class     failure.Class
	At        time.Time
}

// Pattern is the recurrence of the latest reason within its window.
type Pattern struct {
	Reason       string
	Count        int
	Observations int
	Share        float64
}

// Aggregator keeps best-effort rolling failure statistics. Counters live
// in process memory and start over on restart or Reset. Each
// (tenant, operation) window and each tenant counter has its own lock,
// so unrelated keys never contend.
type Aggregator struct {
	size    int
	windows sync.Map // windowKey -> *window
	tenants sync.Map // tenant -> *atomic.Int64
}

type windowKey struct {
	tenant string
	op     workitem.Operation
}

type window struct {
	mu      sync.Mutex
	reasons []string
	alerted string
}

// NewAggregator creates an aggregator keeping the last size reasons per
// (tenant, operation).
func NewAggregator(size int) *Aggregator {
	if size <= 0 {
		size = 10
	}
	return &Aggregator{size: size}
}

var digits = regexp.MustCompile(`[0-9]+`)

// NormalizeReason lowercases a reason and collapses digit runs so that
// messages differing only in numbers count as the same reason.
func NormalizeReason(reason string) string {
	return digits.ReplaceAllString(strings.ToLower(strings.TrimSpace(reason)), "#")
}

// Observe appends the observation to its window and returns the share of
// its reason. fresh is true the first time that reason reaches
// minObservations and minShare in the window, and again only after the
// window stopped meeting them.
func (a *Aggregator) Observe(o Observation, minObservations int, minShare float64) (p Pattern, fresh bool) {
	v, _ := a.windows.LoadOrStore(windowKey{o.TenantID, o.Operation}, &window{})
	w := v.(*window) //nolint:forcetypeassert // map holds *window only

	reason := NormalizeReason(o.Reason)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.reasons = append(w.reasons, reason)
	if len(w.reasons) > a.size {
		w.reasons = w.reasons[len(w.reasons)-a.size:]
	}

	count := 0
	for _, r := range w.reasons {
		if r == reason {
			count++
		}
	}
	p = Pattern{
		Reason:       reason,
		Count:        count,
		Observations: len(w.reasons),
		Share:        float64(count) / float64(len(w.reasons)),
	}

	if p.Observations >= minObservations && p.Share >= minShare {
		if w.alerted != reason {
			w.alerted = reason
			return p, true
		}
		return p, false
	}
	if w.alerted == reason {
		w.alerted = ""
	}
	return p, false
}

// IncrementTenant bumps the tenant's dead-letter count and returns it.
func (a *Aggregator) IncrementTenant(tenantID string) int64 {
	v, _ := a.tenants.LoadOrStore(tenantID, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1) //nolint:forcetypeassert // map holds *atomic.Int64 only
}

// TenantCount returns the tenant's dead-letter count.
func (a *Aggregator) TenantCount(tenantID string) int64 {
	v, ok := a.tenants.Load(tenantID)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load() //nolint:forcetypeassert // map holds *atomic.Int64 only
}

// TenantCounts returns a copy of every tenant counter.
func (a *Aggregator) TenantCounts() map[string]int64 {
	out := make(map[string]int64)
	a.tenants.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load() //nolint:forcetypeassert // keys are strings, values *atomic.Int64
		return true
	})
	return out
}

// Reset drops all windows and counters.
func (a *Aggregator) Reset() {
	a.windows.Clear()
	a.tenants.Clear()
}

// ResetTenants drops the tenant counters only.
func (a *Aggregator) ResetTenants() {
	a.tenants.Clear()
}
