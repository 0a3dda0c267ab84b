package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/auth"
	"github.com/textpolish/textpolish/internal/config"
	"github.com/textpolish/textpolish/internal/domain"
	"github.com/textpolish/textpolish/internal/models"
	"github.com/textpolish/textpolish/internal/payments"
	"github.com/textpolish/textpolish/internal/service"
)

type creditCall struct {
	userID      int64
	amount      int64
	referenceID string
	txType      string
}

type stubLedger struct {
	balance     int64
	balanceErr  error
	purchased   bool
	user        domain.User
	creditCalls []creditCall
	creditRefs  map[string]bool
	txs         []domain.CreditTransaction
	usage       []domain.UsageLog
}

func (s *stubLedger) GetOrCreateUser(ctx context.Context, email string, startingBalance int64) (*domain.User, error) {
	u := s.user
	u.Email = email
	return &u, nil
}

func (s *stubLedger) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u := s.user
	return &u, nil
}

func (s *stubLedger) HasPurchasedCredits(ctx context.Context, userID int64) (bool, error) {
	return s.purchased, nil
}

func (s *stubLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedger) ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.CreditTransaction, error) {
	return s.txs, nil
}

func (s *stubLedger) ListUsage(ctx context.Context, userID int64, limit int) ([]domain.UsageLog, error) {
	return s.usage, nil
}

// Credit mirrors the store's idempotency: a replayed referenceID returns the
// current balance without granting again.
func (s *stubLedger) Credit(ctx context.Context, userID, amount int64, referenceID, txType, notes string) (int64, error) {
	if s.creditRefs == nil {
		s.creditRefs = make(map[string]bool)
	}
	if s.creditRefs[referenceID] {
		return s.balance, nil
	}
	s.creditRefs[referenceID] = true
	s.creditCalls = append(s.creditCalls, creditCall{userID, amount, referenceID, txType})
	s.balance += amount
	return s.balance, nil
}

type stubOptimizer struct {
	availErr    error
	estimate    *service.Estimate
	estimateErr error
	optimizeFn  func(ctx context.Context, p service.OptimizeParams, emit func(string) error) (*service.OptimizeResult, error)
}

func (s *stubOptimizer) CheckAvailability(ctx context.Context, userID int64, text, customPrompt, contextText string) error {
	return s.availErr
}

func (s *stubOptimizer) EstimateCredits(text, languageCode, customPrompt, modelType string) (*service.Estimate, error) {
	return s.estimate, s.estimateErr
}

func (s *stubOptimizer) Optimize(ctx context.Context, p service.OptimizeParams, emit func(string) error) (*service.OptimizeResult, error) {
	return s.optimizeFn(ctx, p, emit)
}

type stubSessions struct {
	loginErr  error
	verifyErr error
}

func (s *stubSessions) StartLogin(ctx context.Context, email string) error { return s.loginErr }

func (s *stubSessions) VerifyLogin(ctx context.Context, token string) (string, error) {
	if s.verifyErr != nil {
		return "", s.verifyErr
	}
	return "user@example.com", nil
}

func (s *stubSessions) IssueToken(userID int64, email string) (string, error) {
	return "issued-token", nil
}

func (s *stubSessions) ValidateToken(token string) (*auth.Session, error) {
	if token != "good-token" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Session{UserID: 42, Email: "user@example.com"}, nil
}

type stubGateway struct {
	session   *payments.CheckoutSession
	verifyErr error
}

func (s *stubGateway) CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*payments.CheckoutSession, error) {
	return s.session, nil
}

func (s *stubGateway) VerifySignature(payload []byte, header string) error {
	return s.verifyErr
}

type testEnv struct {
	ledger    *stubLedger
	optimizer *stubOptimizer
	sessions  *stubSessions
	gateway   *stubGateway
	server    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger: &stubLedger{
			balance: 1000,
			user:    domain.User{ID: 42, CreditsBalance: 1_000_000_000},
		},
		optimizer: &stubOptimizer{},
		sessions:  &stubSessions{},
		gateway: &stubGateway{
			session: &payments.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"},
		},
	}

	catalog := &config.Catalog{
		Models:   map[string]config.ModelConfig{"gpt-4o-mini": {Provider: config.ProviderOpenAI, ModelName: "gpt-4o-mini"}},
		Packages: []config.CreditPackage{{Credits: 500, PriceUSD: 5}},
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := NewHandler(env.ledger, env.optimizer, env.sessions, env.gateway, catalog,
		config.Credits{DefaultBalance: 1000, BaseMultiplier: 1_000_000},
		config.Limits{MaxTextChars: 4000, MaxPromptChars: 1000, MaxContextChars: 4000},
		"http://localhost:5173", log)
	env.server = httptest.NewServer(h.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, "GET", "/api/v1/credits/balance", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/api/v1/credits/balance", "bad-token", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/api/v1/credits/balance", "good-token", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d", resp.StatusCode)
	}
}

func TestVerifyHandlerIssuesSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/auth/verify", "", `{"token":"magic"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[models.VerifyResponse](t, resp)
	if body.AccessToken != "issued-token" {
		t.Fatalf("token = %q", body.AccessToken)
	}
	if body.UserID != 42 || body.Email != "user@example.com" {
		t.Fatalf("body = %+v", body)
	}
}

func TestVerifyHandlerRejectsBadLink(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.verifyErr = errors.New("consumed")

	resp := env.do(t, "POST", "/api/v1/auth/verify", "", `{"token":"used"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestBalanceHandler(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.balance = 123456
	env.ledger.purchased = true

	resp := env.do(t, "GET", "/api/v1/credits/balance", "good-token", "")
	body := decode[models.BalanceResponse](t, resp)
	if body.CreditsBalance != 123456 {
		t.Fatalf("balance = %d", body.CreditsBalance)
	}
	if !body.HasPurchased {
		t.Fatal("expected hasPurchased to surface")
	}
}

func TestMeHandler(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/me", "good-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[domain.User](t, resp)
	if body.ID != 42 {
		t.Fatalf("user = %+v", body)
	}
}

func TestAvailabilityHandlerReportsReason(t *testing.T) {
	env := newTestEnv(t)
	env.optimizer.availErr = service.ErrInsufficientCredits

	resp := env.do(t, "POST", "/api/v1/credits/availability", "good-token", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[models.AvailabilityResponse](t, resp)
	if body.Available {
		t.Fatal("expected unavailable")
	}
	if body.Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestOptimizeHandlerStreams(t *testing.T) {
	env := newTestEnv(t)
	env.optimizer.optimizeFn = func(ctx context.Context, p service.OptimizeParams, emit func(string) error) (*service.OptimizeResult, error) {
		for _, chunk := range []string{"Hello", ", ", "world"} {
			if err := emit(chunk); err != nil {
				return nil, err
			}
		}
		return &service.OptimizeResult{Settled: true, CreditsUsed: 450}, nil
	}

	resp := env.do(t, "POST", "/api/v1/optimize", "good-token",
		`{"text":"helo wrld","languageCode":"en","modelType":"gpt-4o-mini"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello, world" {
		t.Fatalf("body = %q", body)
	}
}

func TestOptimizeHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"insufficient credits", service.ErrInsufficientCredits, http.StatusPaymentRequired},
		{"text too long", service.ErrTextTooLong, http.StatusBadRequest},
		{"provider failure", service.ErrProvider, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.optimizer.optimizeFn = func(ctx context.Context, p service.OptimizeParams, emit func(string) error) (*service.OptimizeResult, error) {
				return nil, tt.err
			}
			resp := env.do(t, "POST", "/api/v1/optimize", "good-token",
				`{"text":"hello","modelType":"gpt-4o-mini"}`)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestOptimizeHandlerValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/optimize", "good-token", `{"text":"  ","modelType":"gpt-4o-mini"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank text: status %d", resp.StatusCode)
	}
	resp = env.do(t, "POST", "/api/v1/optimize", "good-token", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing model: status %d", resp.StatusCode)
	}
}

func TestCheckoutHandlerValidatesPackage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/payments/checkout", "good-token", `{"credits":500,"price":5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("known package: status %d", resp.StatusCode)
	}
	body := decode[models.CheckoutResponse](t, resp)
	if body.SessionID != "cs_1" || body.URL == "" {
		t.Fatalf("body = %+v", body)
	}

	resp = env.do(t, "POST", "/api/v1/payments/checkout", "good-token", `{"credits":9999,"price":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown package: status %d", resp.StatusCode)
	}
}

func TestWebhookHandlerCreditsPurchase(t *testing.T) {
	env := newTestEnv(t)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_9", "metadata": {"user_id": "42", "credits": "500"}}}
	}`
	resp := env.do(t, "POST", "/api/v1/payments/webhook", "", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !decode[models.WebhookAck](t, resp).Received {
		t.Fatal("expected ack")
	}

	if len(env.ledger.creditCalls) != 1 {
		t.Fatalf("credit calls = %d", len(env.ledger.creditCalls))
	}
	call := env.ledger.creditCalls[0]
	if call.userID != 42 {
		t.Fatalf("credited user %d", call.userID)
	}
	if call.amount != 500*1_000_000 {
		t.Fatalf("credited %d micro-credits", call.amount)
	}
	if call.referenceID != "stripe:cs_9" {
		t.Fatalf("reference = %q", call.referenceID)
	}
	if call.txType != domain.TxTypePurchaseCredits {
		t.Fatalf("txType = %q", call.txType)
	}
}

func TestWebhookHandlerReplayAcknowledgesWithoutSecondGrant(t *testing.T) {
	env := newTestEnv(t)

	payload := `{
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_9", "metadata": {"user_id": "42", "credits": "500"}}}
	}`
	first := env.do(t, "POST", "/api/v1/payments/webhook", "", payload)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first delivery: status %d", first.StatusCode)
	}
	balanceAfterGrant := env.ledger.balance

	// Stripe redelivers the same event; it must be acknowledged so retries
	// stop, without crediting again.
	second := env.do(t, "POST", "/api/v1/payments/webhook", "", payload)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replayed delivery: status %d", second.StatusCode)
	}
	if !decode[models.WebhookAck](t, second).Received {
		t.Fatal("replay should still acknowledge")
	}

	if len(env.ledger.creditCalls) != 1 {
		t.Fatalf("grants = %d, want 1", len(env.ledger.creditCalls))
	}
	if env.ledger.balance != balanceAfterGrant {
		t.Fatalf("balance moved on replay: %d -> %d", balanceAfterGrant, env.ledger.balance)
	}
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.verifyErr = payments.ErrBadSignature

	resp := env.do(t, "POST", "/api/v1/payments/webhook", "", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(env.ledger.creditCalls) != 0 {
		t.Fatal("unverified webhook must not credit")
	}
}

func TestWebhookHandlerIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/payments/webhook", "", `{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(env.ledger.creditCalls) != 0 {
		t.Fatal("non-checkout event must not credit")
	}
}

func TestLimitsHandlerIsPublic(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/config/limits", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode[models.LimitsResponse](t, resp)
	if body.MaxTextLength != 4000 || body.MaxPromptLength != 1000 || body.MaxContextLength != 4000 {
		t.Fatalf("limits = %+v", body)
	}
}
