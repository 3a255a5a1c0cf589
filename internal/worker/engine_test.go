package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/campaign-engine/internal/core"
	"github.com/mailforge/campaign-engine/internal/queue"
	"github.com/mailforge/campaign-engine/internal/transport"
	"github.com/mailforge/campaign-engine/internal/worker"
)

// fakeStore mirrors the store's claim/lease semantics in memory so the pool
// can be exercised without a database.
type fakeStore struct {
	mu         sync.Mutex
	campaigns  map[string]core.Campaign
	recipients map[string]core.Recipient
	units      map[string]*core.SendUnit
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  map[string]core.Campaign{},
		recipients: map[string]core.Recipient{},
		units:      map[string]*core.SendUnit{},
	}
}

func (f *fakeStore) seed(status string) (campaignID, unitID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns["c1"] = core.Campaign{
		ID: "c1", AccountID: "a1", Name: "n", Subject: "Hi {first_name}",
		Template: "Hello {first_name}", FromName: "Acme", FromEmail: "x@acme.test",
		Status: status,
	}
	f.recipients["r1"] = core.Recipient{
		ID: "r1", CampaignID: "c1", Address: "u@example.test",
		Attributes: map[string]string{"first_name": "Pat"},
	}
	f.units["u1"] = &core.SendUnit{
		ID: "u1", CampaignID: "c1", RecipientID: "r1",
		ProviderKey: "test", State: core.UnitPending,
	}
	return "c1", "u1"
}

func claimable(u *core.SendUnit, now time.Time) bool {
	switch u.State {
	case core.UnitPending, core.UnitFailedRetry:
		return !u.NextRetryAt.After(now)
	case core.UnitInFlight:
		return u.LeaseExpiresAt != nil && u.LeaseExpiresAt.Before(now)
	}
	return false
}

func (f *fakeStore) Claim(_ context.Context, unitID, owner string, lease time.Duration) (core.SendUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok || !claimable(u, time.Now()) {
		return core.SendUnit{}, core.ErrNotClaimable
	}
	exp := time.Now().Add(lease)
	u.State = core.UnitInFlight
	u.LeaseOwner = &owner
	u.LeaseExpiresAt = &exp
	return *u, nil
}

func (f *fakeStore) ClaimDue(_ context.Context, limit int, owner string, lease time.Duration) ([]core.SendUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.SendUnit
	now := time.Now()
	for _, u := range f.units {
		if len(out) >= limit {
			break
		}
		if u.State == core.UnitInFlight || !claimable(u, now) {
			continue
		}
		exp := now.Add(lease)
		u.State = core.UnitInFlight
		u.LeaseOwner = &owner
		u.LeaseExpiresAt = &exp
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeStore) Release(_ context.Context, unitID, owner string, out core.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok || u.State != core.UnitInFlight || u.LeaseOwner == nil || *u.LeaseOwner != owner {
		return core.ErrStaleLease
	}
	u.State = out.State
	if out.ConsumeAttempt {
		u.Attempts++
	}
	if out.Error != "" {
		s := out.Error
		u.LastError = &s
	}
	u.NextRetryAt = out.NextRetryAt
	if u.NextRetryAt.IsZero() {
		u.NextRetryAt = time.Now()
	}
	u.LeaseOwner = nil
	u.LeaseExpiresAt = nil
	if out.ProviderMessageID != "" {
		s := out.ProviderMessageID
		u.ProviderMessageID = &s
	}
	return nil
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (core.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return core.Campaign{}, errors.New("not found")
	}
	return c, nil
}

func (f *fakeStore) GetRecipient(_ context.Context, id string) (core.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[id]
	if !ok {
		return core.Recipient{}, errors.New("not found")
	}
	return r, nil
}

func (f *fakeStore) unit(id string) core.SendUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.units[id]
}

// scriptedTransport fails with the scripted errors in order, then succeeds.
type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	sends int
}

func (s *scriptedTransport) Send(_ context.Context, _ transport.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "msg-ok", nil
}

func (s *scriptedTransport) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type scriptedQuota struct {
	mu       sync.Mutex
	denials  int
	reserved int
	released int
}

func (q *scriptedQuota) CheckAndReserve(_ context.Context, _ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.denials > 0 {
		q.denials--
		return core.ErrQuotaExhausted
	}
	q.reserved += n
	return nil
}

func (q *scriptedQuota) Release(_ context.Context, _ string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released += n
	return nil
}

// net is reservations kept, i.e. allowance actually consumed.
func (q *scriptedQuota) net() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserved - q.released
}

type scriptedLimiter struct {
	mu      sync.Mutex
	denials int
	denied  int
}

func (l *scriptedLimiter) TryAcquire(_ context.Context, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denials > 0 {
		l.denials--
		l.denied++
		return false, nil
	}
	return true, nil
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, c core.Campaign, _ core.Recipient) (string, string, error) {
	return c.Subject, c.Template, nil
}

func testOptions() worker.Options {
	return worker.Options{
		Concurrency:     2,
		BatchSize:       10,
		QueueWait:       5 * time.Millisecond,
		IdleSleep:       time.Millisecond,
		DBBackoffMin:    time.Millisecond,
		DBBackoffMax:    5 * time.Millisecond,
		Lease:           time.Minute,
		MaxAttempts:     5,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		RateWait:        10 * time.Millisecond,
		SendTimeout:     time.Second,
		QuotaRetryDelay: time.Millisecond,
	}
}

func startEngine(t *testing.T, store *fakeStore, tr transport.Transport,
	quota worker.Quota, limiter *scriptedLimiter, opt worker.Options) *queue.Memory {
	t.Helper()
	q := queue.NewMemory(64)
	if limiter == nil {
		limiter = &scriptedLimiter{}
	}
	e := worker.New(store, q, limiter, quota, passResolver{}, tr, zerolog.Nop(), opt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func waitForState(t *testing.T, store *fakeStore, unitID, state string) core.SendUnit {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.unit(unitID).State == state
	}, 3*time.Second, 2*time.Millisecond)
	return store.unit(unitID)
}

func TestRun_TransientFailuresRetryUntilSent(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{errs: []error{
		core.Transient(errors.New("429")),
		core.Transient(errors.New("timeout")),
	}}
	opt := testOptions()
	opt.MaxAttempts = 3
	q := startEngine(t, store, tr, &scriptedQuota{}, nil, opt)
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitSent)
	require.Equal(t, 3, u.Attempts)
	require.Equal(t, 3, tr.sent())
	require.NotNil(t, u.ProviderMessageID)
	require.Equal(t, "msg-ok", *u.ProviderMessageID)
}

func TestRun_PermanentFailureIsTerminal(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{errs: []error{core.Permanent(errors.New("invalid address"))}}
	q := startEngine(t, store, tr, &scriptedQuota{}, nil, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitFailedTerminal)
	require.Equal(t, 1, u.Attempts)
	require.NotNil(t, u.LastError)
	require.Contains(t, *u.LastError, "invalid address")
	require.Equal(t, 1, tr.sent())
}

func TestRun_MaxAttemptsExhaustsToTerminal(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{errs: []error{
		core.Transient(errors.New("down")),
		core.Transient(errors.New("down")),
		core.Transient(errors.New("down")),
	}}
	opt := testOptions()
	opt.MaxAttempts = 2
	q := startEngine(t, store, tr, &scriptedQuota{}, nil, opt)
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitFailedTerminal)
	require.Equal(t, 2, u.Attempts)
	require.Equal(t, 2, tr.sent())
}

func TestRun_QuotaDeferralConsumesNoAttempt(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{}
	quota := &scriptedQuota{denials: 2}
	q := startEngine(t, store, tr, quota, nil, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitSent)
	// Two deferrals left the attempt counter alone; only the real send
	// consumed one.
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, 1, tr.sent())
	require.Equal(t, 1, quota.net())
}

func TestRun_TransientRetriesConsumeOneQuota(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{errs: []error{
		core.Transient(errors.New("429")),
		core.Transient(errors.New("timeout")),
	}}
	quota := &scriptedQuota{}
	q := startEngine(t, store, tr, quota, nil, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	waitForState(t, store, unitID, core.UnitSent)
	// One delivered message, one unit of allowance; the failed attempts
	// handed their reservations back.
	require.Equal(t, 1, quota.net())
	quota.mu.Lock()
	defer quota.mu.Unlock()
	require.Equal(t, 3, quota.reserved)
	require.Equal(t, 2, quota.released)
}

func TestRun_FailedDeliveryConsumesNoQuota(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{errs: []error{core.Permanent(errors.New("invalid address"))}}
	quota := &scriptedQuota{}
	q := startEngine(t, store, tr, quota, nil, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	waitForState(t, store, unitID, core.UnitFailedTerminal)
	require.Equal(t, 0, quota.net())
}

func TestRun_RateDenialConsumesNoAttempt(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{}
	limiter := &scriptedLimiter{denials: 2}
	quota := &scriptedQuota{}
	q := startEngine(t, store, tr, quota, limiter, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitSent)
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, 1, tr.sent())
	// Rate-denied attempts refund their reservation.
	require.Equal(t, 1, quota.net())
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Positive(t, limiter.denied)
}

func TestRun_CanceledCampaignDropsUnit(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignCanceled)
	tr := &scriptedTransport{}
	q := startEngine(t, store, tr, &scriptedQuota{}, nil, testOptions())
	require.NoError(t, q.Enqueue(context.Background(), unitID))

	u := waitForState(t, store, unitID, core.UnitFailedTerminal)
	require.NotNil(t, u.LastError)
	require.Equal(t, "canceled", *u.LastError)
	require.Equal(t, 0, u.Attempts)
	require.Equal(t, 0, tr.sent())
}

func TestRun_DuplicateNotificationsSendOnce(t *testing.T) {
	store := newFakeStore()
	_, unitID := store.seed(core.CampaignSending)
	tr := &scriptedTransport{}
	q := startEngine(t, store, tr, &scriptedQuota{}, nil, testOptions())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), unitID))
	}

	u := waitForState(t, store, unitID, core.UnitSent)
	require.Equal(t, 1, u.Attempts)
	require.Equal(t, 1, tr.sent())
}
