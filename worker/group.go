package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Group runs one Pool per lane.
type Group struct {
	pools []*Pool
}

// NewGroup creates a group over pools.
func NewGroup(pools ...*Pool) *Group {
	return &Group{pools: pools}
}

// Pools returns the pools in the group.
func (g *Group) Pools() []*Pool { return g.pools }

// Pool returns the pool consuming the named lane.
func (g *Group) Pool(laneName string) (*Pool, bool) {
	for _, p := range g.pools {
		if p.Lane() == laneName {
			return p, true
		}
	}
	return nil, false
}

// Start starts every pool.
func (g *Group) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.pools {
		eg.Go(func() error {
			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("start %s pool: %w", p.Lane(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Stop stops every pool concurrently, sharing the ctx deadline.
func (g *Group) Stop(ctx context.Context) error {
	var eg errgroup.Group
	for _, p := range g.pools {
		eg.Go(func() error {
			if err := p.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s pool: %w", p.Lane(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
