package lane

import (
	"golang.org/x/time/rate"
)

// TenantConfig limits one tenant on one lane.
type TenantConfig struct {
	// Lane is the lane this config applies to.
	Lane string

	// TenantID is the tenant identifier.
	TenantID string

	// RateLimit is the sustained items per second for this tenant.
	RateLimit float64

	// RateBurst is the burst size for the tenant's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous items for this tenant on this
	// lane. Zero means no tenant-specific concurrency limit.
	MaxConcurrency int
}

// tenantState tracks runtime state for a single lane+tenant pair.
type tenantState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func tenantKey(lane, tenantID string) string {
	return lane + ":" + tenantID
}

// SetTenantConfig configures limits for a tenant on a lane. Calling this
// again for the same pair replaces the previous configuration.
func (m *Manager) SetTenantConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantKey(cfg.Lane, cfg.TenantID)
	existing := m.tenants[key]

	ts := &tenantState{maxConcurrency: cfg.MaxConcurrency}
	if cfg.RateLimit > 0 {
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burstOf(cfg.RateBurst))
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ts.active = existing.active
	}
	m.tenants[key] = ts
}

// TenantActiveCount returns the number of in-flight items for a
// lane+tenant pair.
func (m *Manager) TenantActiveCount(lane, tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tenants[tenantKey(lane, tenantID)]; ts != nil {
		return ts.active
	}
	return 0
}
