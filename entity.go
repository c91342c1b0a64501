package fiscal

import "time"

// Entity carries the timestamps shared by persisted records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with now.
func NewEntity(now time.Time) Entity {
	return Entity{CreatedAt: now, UpdatedAt: now}
}
