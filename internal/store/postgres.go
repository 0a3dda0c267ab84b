package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/textpolish/textpolish/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUsageLogNotFound    = errors.New("usage log not found")
	ErrMagicLinkInvalid    = errors.New("magic link token invalid or expired")
)

const pgUniqueViolation = "23505"

// isDuplicateReference reports whether an insert failed because the unique
// purchase-reference index already holds the row. This is the idempotency
// decision for Credit: a duplicate means the grant was already applied.
func isDuplicateReference(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// LedgerStore is the sole writer of users.credits_balance. All mutation goes
// through Settle and Credit, each a single all-or-nothing database
// transaction.
type LedgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(db *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Close() {
	s.db.Close()
}

// GetOrCreateUser returns the user for the email, creating the account with
// the starting balance on first login. The signup grant is recorded as a
// transaction so balance == sum(transactions) holds from the first row.
func (s *LedgerStore) GetOrCreateUser(ctx context.Context, email string, startingBalance int64) (*domain.User, error) {
	if u, err := s.GetUserByEmail(ctx, email); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var u domain.User
	err = tx.QueryRow(ctx,
		`INSERT INTO users (email, credits_balance) VALUES ($1, $2)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id, email, credits_balance, stripe_customer_id, created_at`,
		email, startingBalance,
	).Scan(&u.ID, &u.Email, &u.CreditsBalance, &u.StripeCustomerID, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		// Lost the creation race; the other request's row is authoritative.
		return s.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("user insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credits_transactions (user_id, amount, transaction_type, reference_id, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, startingBalance, domain.TxTypePurchaseCredits, "signup:"+email, "signup grant",
	)
	if err != nil {
		return nil, fmt.Errorf("signup grant failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &u, nil
}

func (s *LedgerStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, credits_balance, stripe_customer_id, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.CreditsBalance, &u.StripeCustomerID, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *LedgerStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, credits_balance, stripe_customer_id, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.CreditsBalance, &u.StripeCustomerID, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Balance reads the current micro-credit balance.
func (s *LedgerStore) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT credits_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Settle atomically debits the balance and appends the usage transaction.
// The decrement is conditioned on credits_balance >= amount; this check is
// authoritative regardless of any earlier gate pre-check, so concurrent
// settlements can never overspend the balance in aggregate.
func (s *LedgerStore) Settle(ctx context.Context, userID, amount, usageLogID int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("settle amount must be non-negative, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE users
		 SET credits_balance = credits_balance - $1
		 WHERE id = $2 AND credits_balance >= $1
		 RETURNING credits_balance`,
		amount, userID,
	).Scan(&newBalance)
	if err == pgx.ErrNoRows {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrUserNotFound
		}
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("balance decrement failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credits_transactions (user_id, amount, transaction_type, reference_id, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, -amount, domain.TxTypeUsage, strconv.FormatInt(usageLogID, 10), "Text optimization",
	)
	if err != nil {
		return 0, fmt.Errorf("transaction insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return newBalance, nil
}

// Credit increments the balance and appends a purchase-type transaction.
// The transaction row is inserted first so the unique purchase-reference
// index acts as the idempotency barrier: a replayed referenceID returns the
// current balance without crediting twice.
func (s *LedgerStore) Credit(ctx context.Context, userID, amount int64, referenceID, txType, notes string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if txType != domain.TxTypePurchase && txType != domain.TxTypePurchaseCredits {
		return 0, fmt.Errorf("credit transaction type must be a purchase type, got %q", txType)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO credits_transactions (user_id, amount, transaction_type, reference_id, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, amount, txType, referenceID, notes,
	)
	if err != nil {
		if isDuplicateReference(err) {
			return s.Balance(ctx, userID)
		}
		return 0, fmt.Errorf("transaction insert failed: %w", err)
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE users SET credits_balance = credits_balance + $1 WHERE id = $2 RETURNING credits_balance`,
		amount, userID,
	).Scan(&newBalance)
	if err == pgx.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("balance increment failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return newBalance, nil
}

// OpenUsageLog creates the processing row before the provider call starts,
// so a crash mid-call still leaves an auditable record.
func (s *LedgerStore) OpenUsageLog(ctx context.Context, log domain.UsageLog) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO usage_logs (user_id, request_type, model_type, input_tokens, output_tokens, credits_used, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		log.UserID, log.RequestType, log.ModelType, log.InputTokens, log.OutputTokens, log.CreditsUsed, domain.StatusProcessing,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("usage log insert failed: %w", err)
	}
	return id, nil
}

// CloseUsageLog moves a usage row to its terminal state. A second close is
// last-write-wins; the whole row updates or nothing does.
func (s *LedgerStore) CloseUsageLog(ctx context.Context, c domain.UsageClose) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE usage_logs
		 SET input_tokens = $2,
		     output_tokens = $3,
		     status = $4,
		     response_time = $5,
		     error_message = $6,
		     credits_used = CASE WHEN $7 > 0 THEN $7 ELSE credits_used END
		 WHERE id = $1`,
		c.ID, c.InputTokens, c.OutputTokens, c.Status, c.ResponseTimeMs, c.ErrorMessage, c.CreditsUsed,
	)
	if err != nil {
		return fmt.Errorf("usage log update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUsageLogNotFound
	}
	return nil
}

// ListTransactions returns a user's ledger entries, newest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, amount, transaction_type, reference_id, notes, created_at
		 FROM credits_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.TransactionType, &t.ReferenceID, &t.Notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListUsage returns a user's optimization attempts, newest first.
func (s *LedgerStore) ListUsage(ctx context.Context, userID int64, limit int) ([]domain.UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, request_type, model_type, input_tokens, output_tokens, credits_used, status, error_message, response_time, created_at
		 FROM usage_logs WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.UsageLog
	for rows.Next() {
		var l domain.UsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.RequestType, &l.ModelType, &l.InputTokens, &l.OutputTokens, &l.CreditsUsed, &l.Status, &l.ErrorMessage, &l.ResponseTime, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// HasPurchasedCredits reports whether the user ever bought credits.
func (s *LedgerStore) HasPurchasedCredits(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM credits_transactions
		 WHERE user_id = $1 AND transaction_type = $2 AND reference_id NOT LIKE 'signup:%'`,
		userID, domain.TxTypePurchaseCredits,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// BalanceDrift lists users whose cached balance disagrees with the sum of
// their transactions. A non-empty result means the reconciliation invariant
// was broken and needs operator attention.
func (s *LedgerStore) BalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error) {
	rows, err := s.db.Query(ctx,
		`SELECT u.id, u.credits_balance, COALESCE(SUM(t.amount), 0) AS tx_sum
		 FROM users u
		 LEFT JOIN credits_transactions t ON t.user_id = u.id
		 GROUP BY u.id, u.credits_balance
		 HAVING u.credits_balance <> COALESCE(SUM(t.amount), 0)`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []domain.BalanceDrift
	for rows.Next() {
		var d domain.BalanceDrift
		if err := rows.Scan(&d.UserID, &d.CreditsBalance, &d.TransactionSum); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// UnsettledUsage lists completed, billed usage rows that have no matching
// usage transaction: the footprint of a crash between settlement and
// log-close, or of a settlement refused for insufficient balance.
func (s *LedgerStore) UnsettledUsage(ctx context.Context) ([]domain.UsageLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT l.id, l.user_id, l.request_type, l.model_type, l.input_tokens, l.output_tokens, l.credits_used, l.status, l.error_message, l.response_time, l.created_at
		 FROM usage_logs l
		 WHERE l.status = $1 AND l.credits_used > 0
		   AND NOT EXISTS (
		     SELECT 1 FROM credits_transactions t
		     WHERE t.transaction_type = $2 AND t.reference_id = l.id::text
		   )`,
		domain.StatusCompleted, domain.TxTypeUsage,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.UsageLog
	for rows.Next() {
		var l domain.UsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.RequestType, &l.ModelType, &l.InputTokens, &l.OutputTokens, &l.CreditsUsed, &l.Status, &l.ErrorMessage, &l.ResponseTime, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateMagicLink stores a single-use login token for the email.
func (s *LedgerStore) CreateMagicLink(ctx context.Context, token, email string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO magic_link_tokens (token, email, expires_at) VALUES ($1, $2, $3)`,
		token, email, time.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("magic link insert failed: %w", err)
	}
	return nil
}

// ConsumeMagicLink marks the token used and returns its email. The UPDATE
// condition makes consumption single-use even under concurrent verification.
func (s *LedgerStore) ConsumeMagicLink(ctx context.Context, token string) (string, error) {
	var email string
	err := s.db.QueryRow(ctx,
		`UPDATE magic_link_tokens
		 SET used = true
		 WHERE token = $1 AND NOT used AND expires_at > now()
		 RETURNING email`,
		token,
	).Scan(&email)
	if err == pgx.ErrNoRows {
		return "", ErrMagicLinkInvalid
	}
	if err != nil {
		return "", err
	}
	return email, nil
}
