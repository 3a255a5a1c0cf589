package core

import (
	"errors"
	"fmt"
)

// Delivery error taxonomy. Every collaborator failure is mapped into one of
// these at the worker boundary before it can touch unit state.
var (
	// ErrNotClaimable: the unit is not pending-and-due, or another worker
	// holds a live lease on it.
	ErrNotClaimable = errors.New("not_claimable")

	// ErrStaleLease: a release carried an owner token that no longer matches;
	// the unit was reclaimed by someone else and the release is ignored.
	ErrStaleLease = errors.New("stale_lease")

	// ErrExpansionConflict: the campaign was already expanded. Benign.
	ErrExpansionConflict = errors.New("expansion_conflict")

	// ErrQuotaExhausted: the account may not send right now. Back-pressure,
	// not failure; no retry attempt is consumed.
	ErrQuotaExhausted = errors.New("quota_exhausted")

	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient_delivery_error")

	// ErrPermanent marks failures that must never be retried.
	ErrPermanent = errors.New("permanent_delivery_error")
)

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as a terminal delivery failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }
