package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct{ DB *pgxpool.Pool }

func (l *Postgres) TryClaim(ctx context.Context, consumer, key string) (bool, error) {
	return ClaimTx(ctx, l.DB, consumer, key, OutcomeApplied)
}

func (l *Postgres) Release(ctx context.Context, consumer, key string) error {
	_, err := l.DB.Exec(ctx, `DELETE FROM processed_events WHERE consumer=$1 AND dedup_key=$2`, consumer, key)
	return err
}

// ClaimTx claims key inside q. Run it in the same transaction as the
// mutation it guards so both commit or neither does.
func ClaimTx(ctx context.Context, q Querier, consumer, key, outcome string) (bool, error) {
	if err := validKey(consumer, key); err != nil {
		return false, err
	}
	ct, err := q.Exec(ctx, `
		INSERT INTO processed_events(consumer, dedup_key, outcome)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, dedup_key) DO NOTHING`, consumer, key, outcome)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// OutcomeTx returns the outcome stored with a claim, ok=false if unclaimed.
func OutcomeTx(ctx context.Context, q Querier, consumer, key string) (outcome string, ok bool, err error) {
	err = q.QueryRow(ctx, `SELECT outcome FROM processed_events WHERE consumer=$1 AND dedup_key=$2`, consumer, key).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return outcome, true, nil
}

func SetOutcomeTx(ctx context.Context, q Querier, consumer, key, outcome string) error {
	_, err := q.Exec(ctx, `UPDATE processed_events SET outcome=$3 WHERE consumer=$1 AND dedup_key=$2`, consumer, key, outcome)
	return err
}
