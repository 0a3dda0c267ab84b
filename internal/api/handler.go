package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/auth"
	"github.com/textpolish/textpolish/internal/config"
	"github.com/textpolish/textpolish/internal/domain"
	"github.com/textpolish/textpolish/internal/payments"
	"github.com/textpolish/textpolish/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "textpolish_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "textpolish_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "endpoint"})

	creditsSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textpolish_credits_settled_micro_total",
		Help: "Micro-credits settled against user balances",
	})

	settlementRefusedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "textpolish_settlement_refused_total",
		Help: "Completed generations whose settlement was refused for insufficient balance",
	})
)

// Ledger is the slice of the store the handlers need.
type Ledger interface {
	GetOrCreateUser(ctx context.Context, email string, startingBalance int64) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	HasPurchasedCredits(ctx context.Context, userID int64) (bool, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.CreditTransaction, error)
	ListUsage(ctx context.Context, userID int64, limit int) ([]domain.UsageLog, error)
	Credit(ctx context.Context, userID, amount int64, referenceID, txType, notes string) (int64, error)
}

// TextOptimizer runs the gated, billed optimization flow.
type TextOptimizer interface {
	CheckAvailability(ctx context.Context, userID int64, text, customPrompt, contextText string) error
	EstimateCredits(text, languageCode, customPrompt, modelType string) (*service.Estimate, error)
	Optimize(ctx context.Context, p service.OptimizeParams, emit func(chunk string) error) (*service.OptimizeResult, error)
}

// Sessions handles login and session token validation.
type Sessions interface {
	StartLogin(ctx context.Context, email string) error
	VerifyLogin(ctx context.Context, token string) (string, error)
	IssueToken(userID int64, email string) (string, error)
	ValidateToken(token string) (*auth.Session, error)
}

// PaymentGateway creates checkouts and verifies webhook signatures. Nil when
// payments are not configured; the payment endpoints then return 503.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*payments.CheckoutSession, error)
	VerifySignature(payload []byte, header string) error
}

type Handler struct {
	store       Ledger
	optimizer   TextOptimizer
	sessions    Sessions
	payments    PaymentGateway
	catalog     *config.Catalog
	credits     config.Credits
	limits      config.Limits
	frontendURL string
	log         *logrus.Logger
}

func NewHandler(store Ledger, optimizer TextOptimizer, sessions Sessions, gateway PaymentGateway, catalog *config.Catalog, credits config.Credits, limits config.Limits, frontendURL string, log *logrus.Logger) *Handler {
	return &Handler{
		store:       store,
		optimizer:   optimizer,
		sessions:    sessions,
		payments:    gateway,
		catalog:     catalog,
		credits:     credits,
		limits:      limits,
		frontendURL: frontendURL,
		log:         log,
	}
}

// Router wires all routes. Webhook and auth endpoints are public; everything
// else requires a session token.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/auth/login", h.LoginHandler).Methods("POST")
	apiV1.HandleFunc("/auth/verify", h.VerifyHandler).Methods("POST")
	apiV1.HandleFunc("/payments/webhook", h.WebhookHandler).Methods("POST")
	apiV1.HandleFunc("/config/limits", h.LimitsHandler).Methods("GET")

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(h.authenticate)
	authed.HandleFunc("/me", h.MeHandler).Methods("GET")
	authed.HandleFunc("/credits/balance", h.BalanceHandler).Methods("GET")
	authed.HandleFunc("/credits/availability", h.AvailabilityHandler).Methods("POST")
	authed.HandleFunc("/credits/estimate", h.EstimateHandler).Methods("POST")
	authed.HandleFunc("/credits/transactions", h.TransactionsHandler).Methods("GET")
	authed.HandleFunc("/usage", h.UsageHandler).Methods("GET")
	authed.HandleFunc("/optimize", h.OptimizeHandler).Methods("POST")
	authed.HandleFunc("/payments/checkout", h.CheckoutHandler).Methods("POST")

	return r
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
