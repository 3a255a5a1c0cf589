package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable send-state store. All unit transitions commit before
// the call returns; a send is not "happened" until the row says so.
type Store struct{ DB *pgxpool.Pool }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) CreateAccount(ctx context.Context, name, plan string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `INSERT INTO accounts(name, plan) VALUES($1,$2) RETURNING id`, name, plan).Scan(&id)
	return id, err
}

func (s *Store) CreateCampaign(ctx context.Context, c Campaign) (string, error) {
	status := c.Status
	if status == "" {
		status = CampaignScheduled
	}
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO campaigns(account_id, name, subject, template, from_name, from_email, ai_generated, status, scheduled_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, c.AccountID, c.Name, c.Subject, c.Template, c.FromName, c.FromEmail, c.AIGenerated, status, c.ScheduledAt).Scan(&id)
	return id, err
}

// AddRecipients loads a recipient list. Duplicate addresses within a campaign
// collapse silently. Lists are immutable once the campaign enters sending.
func (s *Store) AddRecipients(ctx context.Context, campaignID string, recipients []Recipient) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range recipients {
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO recipients(campaign_id, address, attributes)
			VALUES($1,$2,$3)
			ON CONFLICT (campaign_id, address) DO NOTHING
		`, campaignID, r.Address, attrs)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := s.DB.QueryRow(ctx, `
		SELECT id, account_id, name, subject, template, from_name, from_email,
		       ai_generated, status, scheduled_at, started_at, finished_at, created_at, updated_at
		FROM campaigns WHERE id=$1
	`, id).Scan(&c.ID, &c.AccountID, &c.Name, &c.Subject, &c.Template, &c.FromName, &c.FromEmail,
		&c.AIGenerated, &c.Status, &c.ScheduledAt, &c.StartedAt, &c.FinishedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) GetRecipient(ctx context.Context, id string) (Recipient, error) {
	var r Recipient
	var attrs []byte
	err := s.DB.QueryRow(ctx, `
		SELECT id, campaign_id, address, attributes FROM recipients WHERE id=$1
	`, id).Scan(&r.ID, &r.CampaignID, &r.Address, &attrs)
	if err != nil {
		return r, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return r, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return r, nil
}

// DueCampaigns returns scheduled campaigns whose time has passed.
func (s *Store) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, account_id, name, subject, template, from_name, from_email,
		       ai_generated, status, scheduled_at, started_at, finished_at, created_at, updated_at
		FROM campaigns
		WHERE status='scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// SendingCampaigns returns ids of campaigns currently draining.
func (s *Store) SendingCampaigns(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM campaigns WHERE status='sending' LIMIT $1`, limit)
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

func scanCampaigns(rows pgx.Rows) ([]Campaign, error) {
	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Name, &c.Subject, &c.Template, &c.FromName, &c.FromEmail,
			&c.AIGenerated, &c.Status, &c.ScheduledAt, &c.StartedAt, &c.FinishedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExpandCampaign creates one SendUnit per recipient, exactly once per
// campaign. The expansion marker row's primary key is the idempotency guard:
// a second expansion hits 23505 and returns ErrExpansionConflict.
func (s *Store) ExpandCampaign(ctx context.Context, campaignID, providerKey string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO campaign_expansions(campaign_id, unit_count) VALUES($1, 0)
	`, campaignID); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrExpansionConflict
		}
		return 0, err
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO send_units(campaign_id, recipient_id, provider_key)
		SELECT r.campaign_id, r.id, $2
		FROM recipients r
		WHERE r.campaign_id = $1
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, campaignID, providerKey)
	if err != nil {
		return 0, err
	}
	created := int(ct.RowsAffected())

	if _, err := tx.Exec(ctx, `
		UPDATE campaign_expansions SET unit_count=$2 WHERE campaign_id=$1
	`, campaignID, created); err != nil {
		return 0, err
	}

	return created, tx.Commit(ctx)
}

// MarkSending transitions scheduled->sending. Safe to repeat.
func (s *Store) MarkSending(ctx context.Context, campaignID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='sending', started_at=COALESCE(started_at, now()), updated_at=now()
		WHERE id=$1 AND status IN ('scheduled','sending')
	`, campaignID)
	return err
}

// CancelCampaign stops further claims. Units are left in place for the audit
// trail; workers observe the status at their next claim cycle.
func (s *Store) CancelCampaign(ctx context.Context, campaignID string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='canceled', finished_at=now(), updated_at=now()
		WHERE id=$1 AND status IN ('scheduled','sending')
	`, campaignID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// Missing campaign surfaces as ErrNoRows; a terminal one as a
		// state error.
		var status string
		if err := s.DB.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1`, campaignID).Scan(&status); err != nil {
			return err
		}
		return fmt.Errorf("campaign %s is %s, not cancelable", campaignID, status)
	}
	return nil
}

// FinalizeCampaign marks a sending campaign completed or failed once every
// unit is terminal: completed when at least one unit was sent (or the
// campaign had zero recipients), failed when all units are failed_terminal.
// Returns the final status and whether a transition happened.
func (s *Store) FinalizeCampaign(ctx context.Context, campaignID string) (string, bool, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID).Scan(&status)
	if err != nil {
		return "", false, err
	}
	if status != CampaignSending {
		return status, false, tx.Commit(ctx)
	}

	var total, sent, terminal int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state='sent'),
		       COUNT(*) FILTER (WHERE state IN ('sent','failed_terminal'))
		FROM send_units WHERE campaign_id=$1
	`, campaignID).Scan(&total, &sent, &terminal)
	if err != nil {
		return "", false, err
	}

	if total > 0 && terminal < total {
		return status, false, tx.Commit(ctx)
	}

	final := CampaignCompleted
	if total > 0 && sent == 0 {
		final = CampaignFailed
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET status=$2, finished_at=now(), updated_at=now() WHERE id=$1
	`, campaignID, final); err != nil {
		return "", false, err
	}
	return final, true, tx.Commit(ctx)
}
