package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/api"
	"github.com/textpolish/textpolish/internal/auth"
	"github.com/textpolish/textpolish/internal/config"
	"github.com/textpolish/textpolish/internal/credits"
	"github.com/textpolish/textpolish/internal/logger"
	"github.com/textpolish/textpolish/internal/payments"
	"github.com/textpolish/textpolish/internal/provider"
	"github.com/textpolish/textpolish/internal/provider/anthropic"
	"github.com/textpolish/textpolish/internal/provider/loopback"
	"github.com/textpolish/textpolish/internal/provider/openai"
	"github.com/textpolish/textpolish/internal/service"
	"github.com/textpolish/textpolish/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Env)

	dbPool, err := pgxpool.New(context.Background(), cfg.DBSource)
	if err != nil {
		log.WithError(err).Fatal("unable to connect to database")
	}
	defer dbPool.Close()

	ledgerStore := store.NewLedgerStore(dbPool)
	if err := ledgerStore.InitSchema(context.Background()); err != nil {
		log.WithError(err).Fatal("schema init failed")
	}

	catalog, err := config.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		log.WithError(err).Fatal("model catalog invalid")
	}

	calc, err := credits.NewCalculator(catalog, cfg.Credits.BaseMultiplier)
	if err != nil {
		log.WithError(err).Fatal("credit calculator init failed")
	}

	bindings, err := buildBindings(cfg, catalog)
	if err != nil {
		log.WithError(err).Fatal("provider binding failed")
	}

	optimizer, err := service.NewOptimizer(ledgerStore, calc, bindings, cfg.Limits, log)
	if err != nil {
		log.WithError(err).Fatal("optimizer init failed")
	}

	sessions, err := auth.NewManager(cfg.AuthSecret, ledgerStore, &auth.LogMailer{Log: log}, cfg.FrontendURL)
	if err != nil {
		log.WithError(err).Fatal("auth manager init failed")
	}

	var gateway api.PaymentGateway
	if cfg.StripeSecretKey != "" {
		stripeClient, err := payments.New(payments.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			log.WithError(err).Fatal("stripe client init failed")
		}
		gateway = stripeClient
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, payment endpoints disabled")
	}

	handler := api.NewHandler(ledgerStore, optimizer, sessions, gateway, catalog, cfg.Credits, cfg.Limits, cfg.FrontendURL, log)

	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	defer stopReconcile()
	go reconcileLoop(reconcileCtx, ledgerStore, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
}

// reconcileLoop periodically checks the ledger invariants: every balance
// must equal the sum of its transactions, and every billed completed usage
// row must have a matching usage transaction. Violations are the footprint
// of a crash mid-settlement and need an operator, so they are logged loudly.
func reconcileLoop(ctx context.Context, s *store.LedgerStore, log *logrus.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		drifts, err := s.BalanceDrift(ctx)
		if err != nil {
			log.WithError(err).Error("balance drift scan failed")
		}
		for _, d := range drifts {
			log.WithFields(logrus.Fields{
				"user_id":         d.UserID,
				"credits_balance": d.CreditsBalance,
				"transaction_sum": d.TransactionSum,
			}).Error("balance drift detected")
		}

		unsettled, err := s.UnsettledUsage(ctx)
		if err != nil {
			log.WithError(err).Error("unsettled usage scan failed")
		}
		for _, l := range unsettled {
			log.WithFields(logrus.Fields{
				"usage_log_id": l.ID,
				"user_id":      l.UserID,
				"credits_used": l.CreditsUsed,
			}).Warn("completed usage without a settlement transaction")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildBindings constructs one client per configured provider and binds
// every catalog model to its client. A model whose provider has no API key
// fails startup rather than failing its first paid request.
func buildBindings(cfg *config.Config, catalog *config.Catalog) (map[string]service.ModelBinding, error) {
	clients := map[string]provider.ChatClient{}

	clientFor := func(providerName string) (provider.ChatClient, error) {
		if c, ok := clients[providerName]; ok {
			return c, nil
		}
		var (
			c   provider.ChatClient
			err error
		)
		switch providerName {
		case config.ProviderOpenAI:
			if cfg.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY required for configured openai models")
			}
			c, err = openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
		case config.ProviderAnthropic:
			if cfg.AnthropicAPIKey == "" {
				return nil, fmt.Errorf("ANTHROPIC_API_KEY required for configured anthropic models")
			}
			c, err = anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL})
		case config.ProviderLoopback:
			c = loopback.New()
		default:
			return nil, fmt.Errorf("unknown provider %q", providerName)
		}
		if err != nil {
			return nil, err
		}
		clients[providerName] = c
		return c, nil
	}

	bindings := make(map[string]service.ModelBinding, len(catalog.Models))
	for id, m := range catalog.Models {
		client, err := clientFor(m.Provider)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", id, err)
		}
		bindings[id] = service.ModelBinding{Client: client, ModelName: m.ModelName}
	}
	return bindings, nil
}
