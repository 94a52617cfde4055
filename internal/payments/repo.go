package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

const paymentColumns = `payment_id, order_id, user_id, amount_cents, currency, items, status, correlation_id,
	session_ref, transaction_id, failure_reason, event_published, created_at, updated_at`

func (r *Repo) Create(ctx context.Context, p Payment) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO payments(payment_id, order_id, user_id, amount_cents, currency, items, status, correlation_id, session_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.OrderID, p.UserID, p.AmountCents, p.Currency, items, string(p.Status), p.CorrelationID, p.SessionRef)
	return err
}

func (r *Repo) Get(ctx context.Context, paymentID string) (Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id=$1`, paymentID))
}

func (r *Repo) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID))
}

// Transition is a compare-and-set on status; concurrent webhook deliveries
// race here and exactly one of them wins.
func (r *Repo) Transition(ctx context.Context, paymentID string, from []Status, to Status, u Update) (bool, error) {
	froms := make([]string, len(from))
	for i, s := range from {
		froms[i] = string(s)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE payments SET
			status = $3,
			transaction_id = CASE WHEN $4 <> '' THEN $4 ELSE transaction_id END,
			failure_reason = CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END,
			event_published = $6,
			updated_at = now()
		WHERE payment_id = $1 AND status = ANY($2)`,
		paymentID, froms, string(to), u.TransactionID, u.FailureReason, u.EventPublished)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) MarkPublished(ctx context.Context, paymentID string, status Status) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE payments SET event_published = true
		WHERE payment_id = $1 AND status = $2`, paymentID, string(status))
	return err
}

func (r *Repo) ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, string(status), updatedBefore, limit)
}

func (r *Repo) ListUnpublished(ctx context.Context, updatedBefore time.Time, limit int) ([]Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND NOT event_published AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, updatedBefore, limit)
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		items  []byte
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.AmountCents, &p.Currency, &items, &status, &p.CorrelationID,
		&p.SessionRef, &p.TransactionID, &p.FailureReason, &p.EventPublished, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	return p, nil
}
