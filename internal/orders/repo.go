package orders

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
	"github.com/rsinha488/ecom-checkout-saga/internal/postgres"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	return getOrder(ctx, r.DB, orderID)
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Claim(ctx context.Context, consumer, key string) (bool, error) {
	return ledger.ClaimTx(ctx, t.tx, consumer, key, ledger.OutcomeApplied)
}

// InsertIfAbsent is the upsert keyed on order_id: concurrent inserts for
// the same id serialise on the primary key and only one creates a row.
func (t *pgTx) InsertIfAbsent(ctx context.Context, o Order) (bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return false, err
	}
	if o.Items == nil {
		items = []byte("[]")
	}
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO orders(order_id, user_id, items, total_cents, status, payment_status, correlation_id, cancel_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO NOTHING`,
		o.ID, o.UserID, items, o.TotalCents, string(o.Status), string(o.PaymentStatus), o.CorrelationID, o.CancelReason)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) Transition(ctx context.Context, orderID string, from, to Status, ps PaymentStatus, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, nil
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$3, payment_status=$4, cancel_reason=$5, updated_at=now()
		WHERE order_id=$1 AND status=$2`,
		orderID, string(from), string(to), string(ps), reason)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) Get(ctx context.Context, orderID string) (Order, error) {
	return getOrder(ctx, t.tx, orderID)
}

func getOrder(ctx context.Context, q ledger.Querier, orderID string) (Order, error) {
	var (
		o             Order
		items         []byte
		status, payst string
	)
	err := q.QueryRow(ctx, `
		SELECT order_id, user_id, items, total_cents, status, payment_status, correlation_id, cancel_reason, created_at, updated_at
		FROM orders WHERE order_id=$1`, orderID).
		Scan(&o.ID, &o.UserID, &items, &o.TotalCents, &status, &payst, &o.CorrelationID, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, err
	}
	o.Status, o.PaymentStatus = Status(status), PaymentStatus(payst)
	return o, nil
}
