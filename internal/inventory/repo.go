package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
	"github.com/rsinha488/ecom-checkout-saga/internal/postgres"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (r *Repo) Available(ctx context.Context, productID string) (int, error) {
	return available(ctx, r.DB, productID)
}

func (r *Repo) SetStock(ctx context.Context, productID string, n int) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO stock(product_id, available) VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available, updated_at = now()`,
		productID, n)
	return err
}

func available(ctx context.Context, q ledger.Querier, productID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT available FROM stock WHERE product_id=$1`, productID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Claim(ctx context.Context, consumer, key, outcome string) (bool, error) {
	return ledger.ClaimTx(ctx, t.tx, consumer, key, outcome)
}

func (t *pgTx) Outcome(ctx context.Context, consumer, key string) (string, bool, error) {
	return ledger.OutcomeTx(ctx, t.tx, consumer, key)
}

func (t *pgTx) SetOutcome(ctx context.Context, consumer, key, outcome string) error {
	return ledger.SetOutcomeTx(ctx, t.tx, consumer, key, outcome)
}

// Single conditional statement: the row lock taken by UPDATE makes the
// check and the decrement indivisible.
func (t *pgTx) TryDecrement(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock SET available = available - $2, updated_at = now()
		WHERE product_id = $1 AND available >= $2`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) Increment(ctx context.Context, productID string, qty int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock(product_id, available) VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET available = stock.available + EXCLUDED.available, updated_at = now()`,
		productID, qty)
	return err
}

func (t *pgTx) Available(ctx context.Context, productID string) (int, error) {
	return available(ctx, t.tx, productID)
}

func (t *pgTx) MarkReservations(ctx context.Context, orderID string, items []events.Item, status string) error {
	if status != ReservationReserved {
		_, err := t.tx.Exec(ctx, `UPDATE reservations SET status=$2, updated_at=now() WHERE order_id=$1`, orderID, status)
		return err
	}
	for _, it := range items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (order_id, product_id) DO NOTHING`,
			orderID, it.ProductID, it.Qty, status); err != nil {
			return err
		}
	}
	return nil
}
