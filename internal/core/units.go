package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const unitColumns = `id, campaign_id, recipient_id, provider_key, state, attempts,
	last_error, next_retry_at, lease_owner, lease_expires_at, sent_at, provider_message_id`

func scanUnit(row pgx.Row) (SendUnit, error) {
	var u SendUnit
	err := row.Scan(&u.ID, &u.CampaignID, &u.RecipientID, &u.ProviderKey, &u.State, &u.Attempts,
		&u.LastError, &u.NextRetryAt, &u.LeaseOwner, &u.LeaseExpiresAt, &u.SentAt, &u.ProviderMessageID)
	return u, err
}

// Claim takes a time-bounded exclusive lease on one unit. A unit is
// claimable when it is pending or failed_retryable with its retry timer
// elapsed, or in_flight with an expired lease (crash recovery). Exactly one
// caller wins per lease epoch; losers get ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, unitID, owner string, lease time.Duration) (SendUnit, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE send_units
		SET state='in_flight',
		    lease_owner=$2,
		    lease_expires_at=now() + make_interval(secs => $3),
		    updated_at=now()
		WHERE id=$1 AND (
			(state IN ('pending','failed_retryable') AND next_retry_at <= now())
			OR (state='in_flight' AND lease_expires_at < now())
		)
		RETURNING `+unitColumns, unitID, owner, lease.Seconds())
	u, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SendUnit{}, ErrNotClaimable
	}
	return u, err
}

// ClaimDue claims up to limit due units in one sweep using SKIP LOCKED, so
// concurrent pollers never hand out the same unit twice.
func (s *Store) ClaimDue(ctx context.Context, limit int, owner string, lease time.Duration) ([]SendUnit, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM send_units
		WHERE (state IN ('pending','failed_retryable') AND next_retry_at <= now())
		   OR (state='in_flight' AND lease_expires_at < now())
		ORDER BY next_retry_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed, err := tx.Query(ctx, `
		UPDATE send_units
		SET state='in_flight',
		    lease_owner=$2,
		    lease_expires_at=now() + make_interval(secs => $3),
		    updated_at=now()
		WHERE id = ANY($1)
		RETURNING `+unitColumns, ids, owner, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer claimed.Close()
	var units []SendUnit
	for claimed.Next() {
		u, err := scanUnit(claimed)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := claimed.Err(); err != nil {
		return nil, err
	}
	return units, tx.Commit(ctx)
}

// Release writes the outcome of a claimed unit and drops the lease. The
// caller's owner token must still match; otherwise the unit was reclaimed
// after lease expiry and the release reports ErrStaleLease so the caller
// discards its result.
func (s *Store) Release(ctx context.Context, unitID, owner string, out Outcome) error {
	inc := 0
	if out.ConsumeAttempt {
		inc = 1
	}
	var nextRetry any
	if !out.NextRetryAt.IsZero() {
		nextRetry = out.NextRetryAt
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE send_units
		SET state=$3,
		    attempts=attempts + $4,
		    last_error=NULLIF($5,''),
		    next_retry_at=COALESCE($6, now()),
		    sent_at=CASE WHEN $3='sent' THEN now() ELSE sent_at END,
		    provider_message_id=CASE WHEN $7 <> '' THEN $7 ELSE provider_message_id END,
		    lease_owner=NULL,
		    lease_expires_at=NULL,
		    updated_at=now()
		WHERE id=$1 AND lease_owner=$2 AND state='in_flight'
	`, unitID, owner, out.State, inc, out.Error, nextRetry, out.ProviderMessageID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleLease
	}
	return nil
}

// ListDue returns ids of a campaign's units that are claimable at now:
// retry timers elapsed or leases expired. The scheduler requeues these as a
// fallback sweep for lost queue notifications.
func (s *Store) ListDue(ctx context.Context, campaignID string, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM send_units
		WHERE campaign_id=$1 AND (
			(state IN ('pending','failed_retryable') AND next_retry_at <= $2)
			OR (state='in_flight' AND lease_expires_at < $2)
		)
		ORDER BY next_retry_at
		LIMIT $3
	`, campaignID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetUnit(ctx context.Context, unitID string) (SendUnit, error) {
	return scanUnit(s.DB.QueryRow(ctx, `SELECT `+unitColumns+` FROM send_units WHERE id=$1`, unitID))
}

// Progress aggregates unit states into the campaign status rollup. Retryable
// and in-flight units count as pending: they are not done yet.
func (s *Store) Progress(ctx context.Context, campaignID string) (CampaignProgress, error) {
	p := CampaignProgress{CampaignID: campaignID}

	var status string
	if err := s.DB.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1`, campaignID).Scan(&status); err != nil {
		return p, err
	}
	p.Status = status

	rows, err := s.DB.Query(ctx, `
		SELECT state, COUNT(*) FROM send_units WHERE campaign_id=$1 GROUP BY state
	`, campaignID)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return p, err
		}
		p.Total += n
		switch state {
		case UnitSent:
			p.Sent += n
		case UnitFailedTerminal:
			p.Failed += n
		default:
			p.Pending += n
		}
	}
	if err := rows.Err(); err != nil {
		return p, err
	}

	if p.Failed > 0 {
		reasons, err := s.DB.Query(ctx, `
			SELECT COALESCE(last_error,'unknown'), COUNT(*)
			FROM send_units
			WHERE campaign_id=$1 AND state='failed_terminal'
			GROUP BY 1
		`, campaignID)
		if err != nil {
			return p, err
		}
		defer reasons.Close()
		p.Reasons = map[string]int{}
		for reasons.Next() {
			var reason string
			var n int
			if err := reasons.Scan(&reason, &n); err != nil {
				return p, err
			}
			p.Reasons[reason] = n
		}
		if err := reasons.Err(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// CachedContent returns the pinned content for a (campaign, recipient), if
// any. Content must not change between retries of the same recipient.
func (s *Store) CachedContent(ctx context.Context, campaignID, recipientID string) (subject, body string, ok bool, err error) {
	err = s.DB.QueryRow(ctx, `
		SELECT subject, body FROM content_cache WHERE campaign_id=$1 AND recipient_id=$2
	`, campaignID, recipientID).Scan(&subject, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return subject, body, true, nil
}

// PutContent pins generated content. First writer wins; a concurrent
// duplicate insert is a no-op so all workers converge on one body.
func (s *Store) PutContent(ctx context.Context, campaignID, recipientID, subject, body string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO content_cache(campaign_id, recipient_id, subject, body)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, campaignID, recipientID, subject, body)
	return err
}
