// Package quota answers "may this account send N more messages". Allowances
// are monthly per plan; the reservation is an atomic conditional update so
// concurrent workers cannot jointly overshoot a limit.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailforge/campaign-engine/internal/core"
)

type Service interface {
	// CheckAndReserve reserves n sends for the account or returns
	// core.ErrQuotaExhausted. A denial is back-pressure, not failure.
	CheckAndReserve(ctx context.Context, accountID string, n int) error

	// Release returns n reserved sends that never reached the provider, so
	// retried and failed deliveries do not eat the allowance.
	Release(ctx context.Context, accountID string, n int) error
}

// DefaultLimits are monthly send allowances per plan tier.
var DefaultLimits = map[string]int{
	"free":         1000,
	"starter":      10000,
	"business":     50000,
	"professional": 150000,
	"enterprise":   999999999,
}

type StoreQuota struct {
	DB     *pgxpool.Pool
	Limits map[string]int
}

func NewStoreQuota(db *pgxpool.Pool) *StoreQuota {
	return &StoreQuota{DB: db, Limits: DefaultLimits}
}

func (q *StoreQuota) limitFor(plan string) int {
	if n, ok := q.Limits[plan]; ok {
		return n
	}
	return q.Limits["free"]
}

func (q *StoreQuota) CheckAndReserve(ctx context.Context, accountID string, n int) error {
	tx, err := q.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var plan string
	var sent int
	err = tx.QueryRow(ctx, `
		SELECT plan, sent_this_period FROM accounts WHERE id=$1 FOR UPDATE
	`, accountID).Scan(&plan, &sent)
	if err != nil {
		return fmt.Errorf("load account %s: %w", accountID, err)
	}

	// Lazy monthly rollover, decided at reservation time.
	var rolled bool
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET period_start = date_trunc('month', now()), sent_this_period = 0
		WHERE id=$1 AND period_start < date_trunc('month', now())
		RETURNING true
	`, accountID).Scan(&rolled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if rolled {
		sent = 0
	}

	if sent+n > q.limitFor(plan) {
		return core.ErrQuotaExhausted
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET sent_this_period = sent_this_period + $2 WHERE id=$1
	`, accountID, n); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Release refunds n reservations. Clamped at zero so a refund racing a
// period rollover cannot drive the counter negative.
func (q *StoreQuota) Release(ctx context.Context, accountID string, n int) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE accounts SET sent_this_period = GREATEST(sent_this_period - $2, 0) WHERE id=$1
	`, accountID, n)
	return err
}
