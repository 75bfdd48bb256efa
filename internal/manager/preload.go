package manager

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Preload ensures every listed model concurrently. The first failure cancels
// the loads that have not started yet and is returned.
func (m *Manager) Preload(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.EnsureInstance(ctx, id)
		})
	}
	return g.Wait()
}
