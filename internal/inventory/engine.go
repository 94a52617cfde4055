// Package inventory owns stock counters. Reservations are atomic
// conditional decrements; compensation adds back exactly the quantities
// carried by the failing event.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
)

var ErrNoItems = errors.New("inventory: no items")

// Reservation audit statuses.
const (
	ReservationReserved  = "RESERVED"
	ReservationConfirmed = "CONFIRMED"
	ReservationReleased  = "RELEASED"
)

// Tx is one storage transaction. Claims and stock changes made through the
// same Tx commit together.
type Tx interface {
	Claim(ctx context.Context, consumer, key, outcome string) (bool, error)
	Outcome(ctx context.Context, consumer, key string) (string, bool, error)
	SetOutcome(ctx context.Context, consumer, key, outcome string) error
	// TryDecrement subtracts qty only if at least qty is available.
	TryDecrement(ctx context.Context, productID string, qty int) (bool, error)
	Increment(ctx context.Context, productID string, qty int) error
	Available(ctx context.Context, productID string) (int, error)
	MarkReservations(ctx context.Context, orderID string, items []events.Item, status string) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Available(ctx context.Context, productID string) (int, error)
	SetStock(ctx context.Context, productID string, available int) error
}

type Result struct {
	// Outcome is the ledger outcome of the order's reservation step.
	Outcome   string
	Duplicate bool
	Shortages []events.StockShortage
}

func (r Result) Rejected() bool { return r.Outcome == ledger.OutcomeRejected }

type Engine struct {
	Store    Store
	Consumer string
}

func reserveKey(orderID string) string { return ledger.Key(orderID, "reserve") }
func releaseKey(orderID string) string { return ledger.Key(orderID, "release") }
func confirmKey(orderID string) string { return ledger.Key(orderID, "confirm") }

// mergeItems folds repeated product lines together and orders them by
// product id so concurrent reservations lock rows in the same order.
func mergeItems(items []events.Item) []events.Item {
	byID := make(map[string]int, len(items))
	out := make([]events.Item, 0, len(items))
	for _, it := range items {
		if i, ok := byID[it.ProductID]; ok {
			out[i].Qty += it.Qty
			continue
		}
		byID[it.ProductID] = len(out)
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Reserve takes stock for every item of the order or for none of them.
// A second call for the same order returns the first call's outcome.
func (e *Engine) Reserve(ctx context.Context, orderID string, items []events.Item) (Result, error) {
	if len(items) == 0 {
		return Result{}, ErrNoItems
	}
	items = mergeItems(items)
	key := reserveKey(orderID)

	var res Result
	err := e.Store.InTx(ctx, func(tx Tx) error {
		res = Result{}
		claimed, err := tx.Claim(ctx, e.Consumer, key, ledger.OutcomeReserved)
		if err != nil {
			return err
		}
		if !claimed {
			outcome, _, err := tx.Outcome(ctx, e.Consumer, key)
			if err != nil {
				return err
			}
			res = Result{Outcome: outcome, Duplicate: true}
			return nil
		}

		taken := make([]events.Item, 0, len(items))
		for i, it := range items {
			ok, err := tx.TryDecrement(ctx, it.ProductID, it.Qty)
			if err != nil {
				return fmt.Errorf("decrement %s: %w", it.ProductID, err)
			}
			if ok {
				taken = append(taken, it)
				continue
			}

			// Give back what this order already took before reporting.
			for _, t := range taken {
				if err := tx.Increment(ctx, t.ProductID, t.Qty); err != nil {
					return fmt.Errorf("undo %s: %w", t.ProductID, err)
				}
			}
			shortages, err := shortagesFrom(ctx, tx, items[i:])
			if err != nil {
				return err
			}
			if err := tx.SetOutcome(ctx, e.Consumer, key, ledger.OutcomeRejected); err != nil {
				return err
			}
			res = Result{Outcome: ledger.OutcomeRejected, Shortages: shortages}
			return nil
		}

		if err := tx.MarkReservations(ctx, orderID, items, ReservationReserved); err != nil {
			return err
		}
		res = Result{Outcome: ledger.OutcomeReserved}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func shortagesFrom(ctx context.Context, tx Tx, items []events.Item) ([]events.StockShortage, error) {
	var out []events.StockShortage
	for _, it := range items {
		avail, err := tx.Available(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if avail < it.Qty {
			out = append(out, events.StockShortage{ProductID: it.ProductID, Required: it.Qty, Available: avail})
		}
	}
	return out, nil
}

type ReleaseResult string

const (
	Released         ReleaseResult = "RELEASED"
	ReleaseDuplicate ReleaseResult = "DUPLICATE"
	// ReleaseVoided means the order was never reserved; a later reserve
	// for it becomes a no-op.
	ReleaseVoided ReleaseResult = "VOIDED"
	// ReleaseNothingHeld means the reservation had been rejected.
	ReleaseNothingHeld ReleaseResult = "NOTHING_HELD"
)

// Release returns the order's items to stock using the quantities given,
// not a lookup of what was reserved. It is a no-op the second time.
func (e *Engine) Release(ctx context.Context, orderID string, items []events.Item) (ReleaseResult, error) {
	items = mergeItems(items)
	var res ReleaseResult
	err := e.Store.InTx(ctx, func(tx Tx) error {
		claimed, err := tx.Claim(ctx, e.Consumer, releaseKey(orderID), ledger.OutcomeApplied)
		if err != nil {
			return err
		}
		if !claimed {
			res = ReleaseDuplicate
			return nil
		}

		voided, err := tx.Claim(ctx, e.Consumer, reserveKey(orderID), ledger.OutcomeVoided)
		if err != nil {
			return err
		}
		if voided {
			res = ReleaseVoided
			return nil
		}

		outcome, _, err := tx.Outcome(ctx, e.Consumer, reserveKey(orderID))
		if err != nil {
			return err
		}
		if outcome != ledger.OutcomeReserved {
			res = ReleaseNothingHeld
			return nil
		}

		for _, it := range items {
			if err := tx.Increment(ctx, it.ProductID, it.Qty); err != nil {
				return fmt.Errorf("release %s: %w", it.ProductID, err)
			}
		}
		if err := tx.MarkReservations(ctx, orderID, items, ReservationReleased); err != nil {
			return err
		}
		res = Released
		return nil
	})
	if err != nil {
		return "", err
	}
	return res, nil
}

// Confirm marks a held reservation as sold. Stock counters do not change.
func (e *Engine) Confirm(ctx context.Context, orderID string) (bool, error) {
	var confirmed bool
	err := e.Store.InTx(ctx, func(tx Tx) error {
		confirmed = false
		claimed, err := tx.Claim(ctx, e.Consumer, confirmKey(orderID), ledger.OutcomeApplied)
		if err != nil || !claimed {
			return err
		}
		outcome, _, err := tx.Outcome(ctx, e.Consumer, reserveKey(orderID))
		if err != nil {
			return err
		}
		if outcome != ledger.OutcomeReserved {
			return nil
		}
		if err := tx.MarkReservations(ctx, orderID, nil, ReservationConfirmed); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	return confirmed, err
}

func (e *Engine) Available(ctx context.Context, productID string) (int, error) {
	return e.Store.Available(ctx, productID)
}

func (e *Engine) SetStock(ctx context.Context, productID string, available int) error {
	if available < 0 {
		return fmt.Errorf("inventory: negative stock for %s", productID)
	}
	return e.Store.SetStock(ctx, productID, available)
}
