// Package ledger records which effects a consumer has already applied, so
// redelivered events become no-ops.
//
// Claims are single atomic conditional inserts. Where the guarded mutation
// lives in the same Postgres database, claim it inside the mutation's
// transaction with ClaimTx. Otherwise use Guard, which releases the claim
// when the mutation fails.
package ledger

import (
	"context"
	"errors"
	"strings"
)

var ErrEmptyKey = errors.New("ledger: empty dedup key")

// Outcomes recorded against a claim.
const (
	OutcomeApplied  = "APPLIED"
	OutcomeReserved = "RESERVED"
	OutcomeRejected = "REJECTED"
	OutcomeVoided   = "VOIDED"
)

type Ledger interface {
	// TryClaim returns true for exactly one caller per (consumer, key).
	TryClaim(ctx context.Context, consumer, key string) (bool, error)
	Release(ctx context.Context, consumer, key string) error
}

// Key builds the usual orderId:step dedup key.
func Key(orderID, step string) string {
	return orderID + ":" + step
}

func validKey(consumer, key string) error {
	if strings.TrimSpace(consumer) == "" || strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// Guard runs fn at most once per (consumer, key). applied is false when the
// key was already claimed. If fn fails the claim is released so a redelivery
// can try again.
func Guard(ctx context.Context, l Ledger, consumer, key string, fn func(ctx context.Context) error) (applied bool, err error) {
	ok, err := l.TryClaim(ctx, consumer, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		if rerr := l.Release(context.WithoutCancel(ctx), consumer, key); rerr != nil {
			return false, errors.Join(err, rerr)
		}
		return false, err
	}
	return true, nil
}
