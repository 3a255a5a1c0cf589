// Package worker drains send units and delivers messages. Correctness under
// many concurrent workers rests entirely on the store's atomic claim/lease,
// never on worker-local state.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailforge/campaign-engine/internal/core"
	"github.com/mailforge/campaign-engine/internal/metrics"
	"github.com/mailforge/campaign-engine/internal/queue"
	"github.com/mailforge/campaign-engine/internal/ratelimit"
	"github.com/mailforge/campaign-engine/internal/transport"
)

// Store is the slice of the send-state store the pool needs.
type Store interface {
	Claim(ctx context.Context, unitID, owner string, lease time.Duration) (core.SendUnit, error)
	ClaimDue(ctx context.Context, limit int, owner string, lease time.Duration) ([]core.SendUnit, error)
	Release(ctx context.Context, unitID, owner string, out core.Outcome) error
	GetCampaign(ctx context.Context, id string) (core.Campaign, error)
	GetRecipient(ctx context.Context, id string) (core.Recipient, error)
}

// Resolver produces the final subject/body for one recipient.
type Resolver interface {
	Resolve(ctx context.Context, c core.Campaign, r core.Recipient) (subject, body string, err error)
}

// Quota answers whether an account may send one more message. Reservations
// that never reach the provider are released again, so the allowance counts
// delivered messages, not attempts.
type Quota interface {
	CheckAndReserve(ctx context.Context, accountID string, n int) error
	Release(ctx context.Context, accountID string, n int) error
}

type Options struct {
	Concurrency  int
	BatchSize    int
	QueueWait    time.Duration // bounded block on the wake-up queue
	IdleSleep    time.Duration // sleep when both queue and fallback are empty
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration

	Lease       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	RateWait        time.Duration // bounded wait for a provider token
	SendTimeout     time.Duration
	QuotaRetryDelay time.Duration
}

type Engine struct {
	store     Store
	queue     queue.Queue
	limiter   ratelimit.Limiter
	quota     Quota
	resolver  Resolver
	transport transport.Transport
	log       zerolog.Logger
	opt       Options
}

func New(store Store, q queue.Queue, limiter ratelimit.Limiter, quota Quota,
	resolver Resolver, tr transport.Transport, log zerolog.Logger, opt Options) *Engine {
	return &Engine{
		store:     store,
		queue:     q,
		limiter:   limiter,
		quota:     quota,
		resolver:  resolver,
		transport: tr,
		log:       log,
		opt:       opt,
	}
}

// job is one dispatch: either a queue notification still to be claimed, or a
// unit the feeder already claimed in a fallback batch (with its owner token).
type job struct {
	id    string
	owner string
	unit  *core.SendUnit
}

// Run drives the pool until ctx is canceled. The feeder prefers wake-up
// notifications; when the queue stays quiet it falls back to batch-claiming
// due units straight from the store, so lost notifications cost only
// latency. Store outages back the loop off exponentially instead of killing
// the process: other workers may still be fine.
func (e *Engine) Run(ctx context.Context) error {
	jobs := make(chan job, e.opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(e.opt.Concurrency)
	for i := 0; i < e.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-jobs:
					e.process(ctx, j)
				}
			}
		}()
	}

	stop := func() error {
		wg.Wait()
		return ctx.Err()
	}

	dbBackoff := e.opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return stop()
		default:
		}

		id, err := e.queue.Dequeue(ctx, e.opt.QueueWait)
		switch {
		case err == nil:
			select {
			case <-ctx.Done():
				return stop()
			case jobs <- job{id: id}:
			}
			dbBackoff = e.opt.DBBackoffMin
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return stop()
		case !errors.Is(err, queue.ErrEmpty):
			sleep := jitter(dbBackoff, 0.20)
			e.log.Warn().Err(err).Dur("backoff", sleep).Msg("queue dequeue failed")
			time.Sleep(sleep)
			dbBackoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}

		// Queue idle: sweep the store for due units directly.
		owner := uuid.NewString()
		units, err := e.store.ClaimDue(ctx, e.opt.BatchSize, owner, e.opt.Lease)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			sleep := jitter(dbBackoff, 0.20)
			e.log.Warn().Err(err).Dur("backoff", sleep).Msg("fallback claim failed")
			time.Sleep(sleep)
			dbBackoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.opt.DBBackoffMin
		metrics.ClaimBatchSize.Observe(float64(len(units)))

		if len(units) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			time.Sleep(e.opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		for i := range units {
			select {
			case <-ctx.Done():
				return stop()
			case jobs <- job{id: units[i].ID, owner: owner, unit: &units[i]}:
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, j job) {
	owner := j.owner
	unit := j.unit

	if unit == nil {
		owner = uuid.NewString()
		claimed, err := e.store.Claim(ctx, j.id, owner, e.opt.Lease)
		if errors.Is(err, core.ErrNotClaimable) {
			// Someone else holds it or it is not due. Expected under
			// duplicate notifications.
			metrics.ClaimTotal.WithLabelValues("not_claimable").Inc()
			return
		}
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			e.log.Warn().Err(err).Str("unit", j.id).Msg("claim failed")
			return
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		unit = &claimed
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	e.deliver(ctx, *unit, owner)
}

// deliver runs the per-unit protocol on a claimed unit: cancellation check,
// quota, rate limit, content, transport, release. Every failure is mapped
// into the delivery taxonomy before it reaches the store.
func (e *Engine) deliver(ctx context.Context, unit core.SendUnit, owner string) {
	log := e.log.With().Str("unit", unit.ID).Str("campaign", unit.CampaignID).Int("attempts", unit.Attempts).Logger()

	campaign, err := e.store.GetCampaign(ctx, unit.CampaignID)
	if err != nil {
		log.Warn().Err(err).Msg("load campaign")
		e.release(log, unit.ID, owner, backPressure(time.Now().Add(jitter(e.opt.BackoffBase, 0.20))))
		return
	}

	if campaign.Status == core.CampaignCanceled {
		e.release(log, unit.ID, owner, core.Outcome{
			State: core.UnitFailedTerminal,
			Error: "canceled",
		})
		return
	}

	if err := e.quota.CheckAndReserve(ctx, campaign.AccountID, 1); err != nil {
		if errors.Is(err, core.ErrQuotaExhausted) {
			metrics.QuotaDeniedTotal.Inc()
			log.Debug().Msg("quota exhausted, deferring")
			e.release(log, unit.ID, owner, backPressure(time.Now().Add(jitter(e.opt.QuotaRetryDelay, 0.20))))
			return
		}
		log.Warn().Err(err).Msg("quota check")
		e.release(log, unit.ID, owner, backPressure(time.Now().Add(jitter(e.opt.BackoffBase, 0.20))))
		return
	}

	// The reservation is held from here on; any exit that does not deliver
	// must hand it back.
	granted, err := ratelimit.AcquireWithin(ctx, e.limiter, unit.ProviderKey, e.opt.RateWait)
	if err != nil {
		// Context gone; put the unit back untouched.
		e.refundQuota(log, campaign.AccountID)
		e.release(log, unit.ID, owner, backPressure(time.Now()))
		return
	}
	if !granted {
		metrics.RateDeniedTotal.Inc()
		e.refundQuota(log, campaign.AccountID)
		e.release(log, unit.ID, owner, backPressure(time.Now().Add(jitter(4*e.opt.RateWait, 0.20))))
		return
	}

	recipient, err := e.store.GetRecipient(ctx, unit.RecipientID)
	if err != nil {
		log.Warn().Err(err).Msg("load recipient")
		e.refundQuota(log, campaign.AccountID)
		e.release(log, unit.ID, owner, backPressure(time.Now().Add(jitter(e.opt.BackoffBase, 0.20))))
		return
	}

	subject, body, err := e.resolver.Resolve(ctx, campaign, recipient)
	if err != nil {
		// Content resolution failures ride the normal retry path.
		e.refundQuota(log, campaign.AccountID)
		e.releaseFailure(log, unit, owner, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
	start := time.Now()
	providerID, err := e.transport.Send(sendCtx, transport.Message{
		To:        recipient.Address,
		FromName:  campaign.FromName,
		FromEmail: campaign.FromEmail,
		Subject:   subject,
		Body:      body,
		Headers: map[string]string{
			"X-Campaign-ID": campaign.ID,
			"X-Unit-ID":     unit.ID,
		},
	})
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Nothing was delivered; the retry re-reserves.
		e.refundQuota(log, campaign.AccountID)
		e.releaseFailure(log, unit, owner, err)
		return
	}

	metrics.SendTotal.WithLabelValues("sent").Inc()
	e.release(log, unit.ID, owner, core.Outcome{
		State:             core.UnitSent,
		ConsumeAttempt:    true,
		ProviderMessageID: providerID,
	})
}

// releaseFailure classifies a delivery error and writes the retry or
// terminal outcome. Permanent failures are terminal regardless of attempt
// count; transient ones consume an attempt and either reschedule with
// exponential backoff or, at max attempts, go terminal.
func (e *Engine) releaseFailure(log zerolog.Logger, unit core.SendUnit, owner string, cause error) {
	if core.IsPermanent(cause) {
		metrics.SendTotal.WithLabelValues("permanent").Inc()
		e.release(log, unit.ID, owner, core.Outcome{
			State:          core.UnitFailedTerminal,
			Error:          cause.Error(),
			ConsumeAttempt: true,
		})
		return
	}

	metrics.SendTotal.WithLabelValues("transient").Inc()
	attempt := unit.Attempts + 1
	if attempt >= e.opt.MaxAttempts {
		log.Warn().Err(cause).Int("attempt", attempt).Msg("max attempts reached")
		e.release(log, unit.ID, owner, core.Outcome{
			State:          core.UnitFailedTerminal,
			Error:          cause.Error(),
			ConsumeAttempt: true,
		})
		return
	}

	delay := Backoff(attempt, e.opt.BackoffBase, e.opt.BackoffCap)
	metrics.RetryTotal.Inc()
	log.Info().Err(cause).Int("attempt", attempt).Dur("retry_in", delay).Msg("transient failure, retrying")
	e.release(log, unit.ID, owner, core.Outcome{
		State:          core.UnitFailedRetry,
		Error:          cause.Error(),
		NextRetryAt:    time.Now().Add(delay),
		ConsumeAttempt: true,
	})
}

// refundQuota hands back one reservation that did not turn into a delivered
// message. Own deadline for the same reason as release.
func (e *Engine) refundQuota(log zerolog.Logger, accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.quota.Release(ctx, accountID, 1); err != nil {
		log.Warn().Err(err).Msg("quota refund failed")
	}
}

func (e *Engine) release(log zerolog.Logger, unitID, owner string, out core.Outcome) {
	// The release must not die with the claim context on shutdown; give it
	// its own deadline so outcomes of in-flight sends still get recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.store.Release(ctx, unitID, owner, out)
	if errors.Is(err, core.ErrStaleLease) {
		// Another worker reclaimed after our lease expired; discard.
		metrics.StaleLeaseTotal.Inc()
		log.Debug().Str("state", out.State).Msg("stale lease, release discarded")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("state", out.State).Msg("release failed")
	}
}

// backPressure is a release back to pending: no attempt consumed, claimable
// again at the given time.
func backPressure(at time.Time) core.Outcome {
	return core.Outcome{
		State:       core.UnitPending,
		NextRetryAt: at,
	}
}
