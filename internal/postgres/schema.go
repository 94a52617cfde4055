package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_events (
	consumer   TEXT NOT NULL,
	dedup_key  TEXT NOT NULL,
	outcome    TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (consumer, dedup_key)
);

CREATE TABLE IF NOT EXISTS payments (
	payment_id      TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL UNIQUE,
	user_id         TEXT NOT NULL,
	amount_cents    BIGINT NOT NULL CHECK (amount_cents >= 0),
	currency        TEXT NOT NULL,
	items           JSONB NOT NULL,
	status          TEXT NOT NULL,
	correlation_id  TEXT NOT NULL,
	session_ref     TEXT NOT NULL DEFAULT '',
	transaction_id  TEXT NOT NULL DEFAULT '',
	failure_reason  TEXT NOT NULL DEFAULT '',
	event_published BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_payments_status_updated ON payments(status, updated_at);

CREATE TABLE IF NOT EXISTS orders (
	order_id       TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL DEFAULT '',
	items          JSONB NOT NULL DEFAULT '[]',
	total_cents    BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	payment_status TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	cancel_reason  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stock (
	product_id TEXT PRIMARY KEY,
	available  INT NOT NULL CHECK (available >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservations (
	order_id   TEXT NOT NULL,
	product_id TEXT NOT NULL,
	qty        INT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (order_id, product_id)
);
`

// Migrate creates the tables used by all three services. Each service owns
// its own tables; sharing one DDL keeps local setups to a single database.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
