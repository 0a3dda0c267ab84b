package domain

import "time"

// Usage log lifecycle. A row is created as StatusProcessing before the
// provider call starts and moves to exactly one terminal status afterwards.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Transaction types recorded in credits_transactions.
const (
	TxTypeUsage           = "usage"
	TxTypePurchase        = "purchase"
	TxTypePurchaseCredits = "purchase_credits"
)

// RequestTypeOptimization is the request_type recorded for text optimization runs.
const RequestTypeOptimization = "optimization"

// User represents an account in the credits ledger. CreditsBalance is a
// cached aggregate in micro-credits; credits_transactions is the source of
// truth. Only the ledger store writes the balance.
type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	CreditsBalance   int64     `json:"credits_balance"`
	StripeCustomerID *string   `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreditTransaction is an immutable ledger entry. Amount is signed:
// negative for usage, positive for purchases and grants.
type CreditTransaction struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Amount          int64     `json:"amount"`
	TransactionType string    `json:"transaction_type"`
	ReferenceID     string    `json:"reference_id"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// UsageLog is the audit record of one optimization attempt, billed or not.
type UsageLog struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	RequestType  string    `json:"request_type"`
	ModelType    string    `json:"model_type"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreditsUsed  int64     `json:"credits_used"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ResponseTime int64     `json:"response_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageClose carries the terminal update for a usage log row.
type UsageClose struct {
	ID             int64
	InputTokens    int
	OutputTokens   int
	Status         string
	ResponseTimeMs int64
	CreditsUsed    int64
	ErrorMessage   string
}

// BalanceDrift reports a user whose cached balance disagrees with the sum
// of their transactions (reconciliation invariant violation).
type BalanceDrift struct {
	UserID         int64 `json:"user_id"`
	CreditsBalance int64 `json:"credits_balance"`
	TransactionSum int64 `json:"transaction_sum"`
}
