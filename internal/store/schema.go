package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	credits_balance BIGINT NOT NULL DEFAULT 0,
	stripe_customer_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credits_transactions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	amount BIGINT NOT NULL,
	transaction_type TEXT NOT NULL,
	reference_id TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credits_transactions_user
	ON credits_transactions(user_id);

-- Idempotency barrier: a purchase reference may be credited once.
CREATE UNIQUE INDEX IF NOT EXISTS idx_credits_transactions_purchase_ref
	ON credits_transactions(transaction_type, reference_id)
	WHERE transaction_type IN ('purchase', 'purchase_credits');

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	request_type TEXT NOT NULL,
	model_type TEXT NOT NULL,
	input_tokens INT NOT NULL DEFAULT 0,
	output_tokens INT NOT NULL DEFAULT 0,
	credits_used BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'processing',
	error_message TEXT NOT NULL DEFAULT '',
	response_time BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id);

CREATE TABLE IF NOT EXISTS magic_link_tokens (
	token TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	used BOOLEAN NOT NULL DEFAULT false,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// InitSchema creates the ledger tables if they do not exist yet.
func (s *LedgerStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
