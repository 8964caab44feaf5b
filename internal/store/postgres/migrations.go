package postgres

import (
	"context"
	"fmt"
	"log"
)

// schema is applied in order on every boot; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY,
		password   TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'user',
		active     BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS source_permissions (
		source_id  TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		username   TEXT NOT NULL,
		role       TEXT NOT NULL CHECK (role IN ('owner','editor','viewer')),
		granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (source_id, username)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		status         TEXT NOT NULL CHECK (status IN ('active','closing','closed','reconciled')),
		start_time     TIMESTAMPTZ NOT NULL,
		end_time       TIMESTAMPTZ,
		opened_by      TEXT NOT NULL,
		closed_by      TEXT,
		total_cash     NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_transfer NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_sales    NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_expenses NUMERIC(14,2) NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_source
		ON sessions (source_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS payers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		phone      TEXT,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS payer_settings (
		payer_id    TEXT NOT NULL REFERENCES payers(id) ON DELETE CASCADE,
		source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		credit_days INT NOT NULL DEFAULT 0 CHECK (credit_days >= 0),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (payer_id, source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id         TEXT PRIMARY KEY,
		source_id  TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL CHECK (type IN ('income','expense','product')),
		parent_id  TEXT REFERENCES categories(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id             TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		name           TEXT NOT NULL,
		price          NUMERIC(14,2) NOT NULL CHECK (price >= 0),
		current_stock  INT NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
		purchase_cost  NUMERIC(14,2) NOT NULL DEFAULT 0,
		category_id    TEXT,
		subcategory_id TEXT,
		recipe         JSONB NOT NULL DEFAULT '[]',
		active         BOOLEAN NOT NULL DEFAULT true,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS products_source_idx ON products (source_id)`,
	`CREATE TABLE IF NOT EXISTS services (
		id          TEXT PRIMARY KEY,
		source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		price       NUMERIC(14,2) NOT NULL CHECK (price >= 0),
		category_id TEXT,
		active      BOOLEAN NOT NULL DEFAULT true,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id         TEXT PRIMARY KEY,
		source_id  TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		phone      TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS consignments (
		id          TEXT PRIMARY KEY,
		source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		supplier_id TEXT,
		product_id  TEXT,
		name        TEXT NOT NULL,
		price       NUMERIC(14,2) NOT NULL,
		quantity    INT NOT NULL CHECK (quantity > 0),
		sold        INT NOT NULL DEFAULT 0,
		returned    INT NOT NULL DEFAULT 0,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (sold + returned <= quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS bills (
		id              TEXT PRIMARY KEY,
		source_id       TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		session_id      TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		payer_id        TEXT,
		idempotency_key TEXT NOT NULL,
		items           JSONB NOT NULL,
		subtotal        NUMERIC(14,2) NOT NULL,
		discount        NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax             NUMERIC(14,2) NOT NULL DEFAULT 0,
		total           NUMERIC(14,2) NOT NULL,
		paid_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
		status          TEXT NOT NULL CHECK (status IN ('pending','active','partially_paid','paid','cancelled')),
		payment_method  TEXT NOT NULL CHECK (payment_method IN ('cash','transfer')),
		bill_date       TIMESTAMPTZ NOT NULL,
		created_by      TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (paid_amount <= total)
	)`,
	`ALTER TABLE bills DROP CONSTRAINT IF EXISTS bills_idempotency_key_key`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bills_source_idempotency_idx ON bills (source_id, idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS bills_session_idx ON bills (session_id)`,
	`CREATE INDEX IF NOT EXISTS bills_source_created_idx ON bills (source_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id          TEXT PRIMARY KEY,
		source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		session_id  TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		bill_id     TEXT REFERENCES bills(id) ON DELETE CASCADE,
		amount      NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		type        TEXT NOT NULL CHECK (type IN ('income','expense')),
		category_id TEXT,
		payer_id    TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_by  TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_source_occurred_idx ON transactions (source_id, occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_session_idx ON transactions (session_id)`,
	`CREATE TABLE IF NOT EXISTS stock_movements (
		id            TEXT PRIMARY KEY,
		product_id    TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		source_id     TEXT NOT NULL,
		quantity      INT NOT NULL,
		movement_type TEXT NOT NULL CHECK (movement_type IN ('purchase','sale','adjustment','consignment_return')),
		unit_cost     NUMERIC(14,2) NOT NULL DEFAULT 0,
		reference_id  TEXT,
		stock_after   INT NOT NULL,
		notes         TEXT,
		created_by    TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_product_idx ON stock_movements (product_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS stock_movements_reference_idx ON stock_movements (reference_id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id             TEXT PRIMARY KEY,
		source_id      TEXT NOT NULL,
		actor_username TEXT NOT NULL,
		actor_role     TEXT NOT NULL,
		action         TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_source_created_idx ON audit_logs (source_id, created_at DESC)`,
}

// Migrate creates the schema the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log.Printf("[postgres] schema ready (%d statements)", len(schema))
	return nil
}
