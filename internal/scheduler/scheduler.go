// Package scheduler moves due campaigns into sending, expands them into
// send units exactly once, requeues missed work, and detects terminal
// campaigns. Scheduling granularity is coarse (seconds to minutes), so this
// is a cooperative polling sweep, not an event pipeline. A second scheduler
// instance racing is safe: expansion is idempotent, so the race costs only
// wasted scan work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mailforge/campaign-engine/internal/core"
	"github.com/mailforge/campaign-engine/internal/metrics"
	"github.com/mailforge/campaign-engine/internal/queue"
)

// Store is the slice of the send-state store the scheduler needs.
type Store interface {
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]core.Campaign, error)
	ExpandCampaign(ctx context.Context, campaignID, providerKey string) (int, error)
	MarkSending(ctx context.Context, campaignID string) error
	SendingCampaigns(ctx context.Context, limit int) ([]string, error)
	ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]string, error)
	FinalizeCampaign(ctx context.Context, campaignID string) (string, bool, error)
}

type Options struct {
	SweepEvery    time.Duration
	CampaignBatch int
	RequeueBatch  int
	ProviderKey   string
}

type Service struct {
	store Store
	queue queue.Queue
	log   zerolog.Logger
	opt   Options

	now func() time.Time
}

func New(store Store, q queue.Queue, log zerolog.Logger, opt Options) *Service {
	return &Service{store: store, queue: q, log: log, opt: opt, now: time.Now}
}

// Run sweeps immediately, then on the configured interval until ctx ends.
// Overlapping sweeps are skipped rather than stacked.
func (s *Service) Run(ctx context.Context) error {
	s.Sweep(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.opt.SweepEvery), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// Sweep runs one full pass: expand due campaigns, requeue due units for
// campaigns in flight, finalize finished ones.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	s.expandDue(ctx, now)
	s.driveSending(ctx, now)
}

func (s *Service) expandDue(ctx context.Context, now time.Time) {
	due, err := s.store.DueCampaigns(ctx, now, s.opt.CampaignBatch)
	if err != nil {
		s.log.Warn().Err(err).Msg("list due campaigns")
		return
	}

	for _, c := range due {
		log := s.log.With().Str("campaign", c.ID).Logger()

		n, err := s.store.ExpandCampaign(ctx, c.ID, s.opt.ProviderKey)
		switch {
		case errors.Is(err, core.ErrExpansionConflict):
			// Another scheduler instance got there first; just settle status.
			metrics.ExpandTotal.WithLabelValues("conflict").Inc()
		case err != nil:
			metrics.ExpandTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("expand failed")
			continue
		default:
			metrics.ExpandTotal.WithLabelValues("ok").Inc()
			metrics.UnitsExpanded.Add(float64(n))
			log.Info().Int("units", n).Msg("campaign expanded")
		}

		if err := s.store.MarkSending(ctx, c.ID); err != nil {
			log.Warn().Err(err).Msg("mark sending")
			continue
		}

		// Zero-recipient campaigns are complete the moment they start.
		// Everything else is now sending; driveSending requeues its units
		// later in the same sweep.
		if final, changed, err := s.store.FinalizeCampaign(ctx, c.ID); err == nil && changed {
			metrics.CampaignsFinalized.WithLabelValues(final).Inc()
			log.Info().Str("status", final).Msg("campaign finalized")
		}
	}
}

func (s *Service) driveSending(ctx context.Context, now time.Time) {
	sending, err := s.store.SendingCampaigns(ctx, s.opt.CampaignBatch)
	if err != nil {
		s.log.Warn().Err(err).Msg("list sending campaigns")
		return
	}

	for _, id := range sending {
		log := s.log.With().Str("campaign", id).Logger()

		final, changed, err := s.store.FinalizeCampaign(ctx, id)
		if err != nil {
			log.Warn().Err(err).Msg("finalize check")
			continue
		}
		if changed {
			metrics.CampaignsFinalized.WithLabelValues(final).Inc()
			log.Info().Str("status", final).Msg("campaign finalized")
			continue
		}

		s.requeueDue(ctx, id, now)
	}
}

// requeueDue re-publishes wake-ups for every claimable unit of a campaign.
// Duplicates are harmless: claiming is atomic and losers back off.
func (s *Service) requeueDue(ctx context.Context, campaignID string, now time.Time) {
	ids, err := s.store.ListDue(ctx, campaignID, now, s.opt.RequeueBatch)
	if err != nil {
		s.log.Warn().Err(err).Str("campaign", campaignID).Msg("list due units")
		return
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			// The fallback store poll will still find the unit.
			s.log.Warn().Err(err).Str("unit", id).Msg("enqueue failed")
			return
		}
	}
	if n := len(ids); n > 0 {
		metrics.RequeueTotal.Add(float64(n))
		s.log.Debug().Str("campaign", campaignID).Int("units", n).Msg("units queued")
	}
}
