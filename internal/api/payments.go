package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/domain"
	"github.com/textpolish/textpolish/internal/models"
	"github.com/textpolish/textpolish/internal/payments"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

func (h *Handler) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Payments not configured")
		return
	}
	session := sessionFrom(r.Context())

	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	// Price comes from the server-side package table, never the client.
	pkg, ok := h.catalog.Package(req.Credits, req.PriceUSD)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Unknown credit package")
		return
	}

	checkout, err := h.payments.CreateCheckoutSession(r.Context(), payments.CheckoutParams{
		UserID:     session.UserID,
		Email:      session.Email,
		Credits:    pkg.Credits,
		PriceCents: pkg.PriceUSD * 100,
		SuccessURL: h.frontendURL + "/payment/success",
		CancelURL:  h.frontendURL + "/payment/cancel",
	})
	if err != nil {
		h.log.WithError(err).WithField("user_id", session.UserID).Error("checkout session failed")
		respondWithError(w, http.StatusBadGateway, "Payment provider unavailable")
		return
	}

	respondWithJSON(w, http.StatusOK, models.CheckoutResponse{
		SessionID: checkout.ID,
		URL:       checkout.URL,
	})
}

// WebhookHandler credits completed checkouts. The raw body is verified
// before parsing; crediting is idempotent on the session ID, so Stripe
// retries and replays acknowledge without a double grant.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Payments not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}

	if err := h.payments.VerifySignature(payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.log.WithError(err).Warn("webhook signature rejected")
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	grant, err := payments.ParseEvent(payload)
	if err != nil {
		h.log.WithError(err).Error("webhook event unusable")
		respondWithError(w, http.StatusBadRequest, "Unusable event payload")
		return
	}
	if grant == nil {
		respondWithJSON(w, http.StatusOK, models.WebhookAck{Received: true})
		return
	}

	amount := grant.Credits * h.credits.BaseMultiplier
	newBalance, err := h.store.Credit(r.Context(), grant.UserID, amount,
		"stripe:"+grant.SessionID, domain.TxTypePurchaseCredits,
		fmt.Sprintf("Purchased %d credits", grant.Credits))
	if err != nil {
		// Non-2xx makes Stripe retry, which is what we want here.
		h.log.WithError(err).WithField("user_id", grant.UserID).Error("credit grant failed")
		respondWithError(w, http.StatusInternalServerError, "Credit grant failed")
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id":     grant.UserID,
		"credits":     grant.Credits,
		"session_id":  grant.SessionID,
		"new_balance": newBalance,
	}).Info("purchase credited")
	respondWithJSON(w, http.StatusOK, models.WebhookAck{Received: true})
}
