// Package coordinator ties the scheduler and the dispatch pool together
// under one lifecycle and fronts campaign-level queries for the outside
// world.
package coordinator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mailforge/campaign-engine/internal/core"
	"github.com/mailforge/campaign-engine/internal/scheduler"
	"github.com/mailforge/campaign-engine/internal/worker"
)

type Coordinator struct {
	store *core.Store
	sched *scheduler.Service
	pool  *worker.Engine
	log   zerolog.Logger
}

func New(store *core.Store, sched *scheduler.Service, pool *worker.Engine, log zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, sched: sched, pool: pool, log: log}
}

// Run starts both halves and stops everything when either exits or ctx is
// canceled. Used by single-process deployments and tests; production splits
// the pieces into cmd/worker and cmd/scheduler.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- c.sched.Run(runCtx) }()
	go func() { errc <- c.pool.Run(runCtx) }()

	err := <-errc
	cancel()
	<-errc
	return err
}

// Status is the one read path the product layer needs.
func (c *Coordinator) Status(ctx context.Context, campaignID string) (core.CampaignProgress, error) {
	return c.store.Progress(ctx, campaignID)
}

// Cancel stops further claims for the campaign; in-flight sends complete
// and record their outcomes normally.
func (c *Coordinator) Cancel(ctx context.Context, campaignID string) error {
	return c.store.CancelCampaign(ctx, campaignID)
}
