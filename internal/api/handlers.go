package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/textpolish/textpolish/internal/credits"
	"github.com/textpolish/textpolish/internal/domain"
	"github.com/textpolish/textpolish/internal/models"
	"github.com/textpolish/textpolish/internal/service"
	"github.com/textpolish/textpolish/internal/store"
)

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	if err := h.sessions.StartLogin(r.Context(), req.Email); err != nil {
		// Deliberately vague: login must not disclose which emails exist.
		h.log.WithError(err).WithField("email", req.Email).Warn("login start failed")
		respondWithError(w, http.StatusBadRequest, "Could not start login")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	email, err := h.sessions.VerifyLogin(r.Context(), req.Token)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or expired login link")
		return
	}

	user, err := h.store.GetOrCreateUser(r.Context(), email, h.credits.StartingBalanceMicro())
	if err != nil {
		h.log.WithError(err).WithField("email", email).Error("user lookup failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	token, err := h.sessions.IssueToken(user.ID, user.Email)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respondWithJSON(w, http.StatusOK, models.VerifyResponse{
		AccessToken:    token,
		UserID:         user.ID,
		Email:          user.Email,
		CreditsBalance: user.CreditsBalance,
	})
}

func (h *Handler) MeHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	user, err := h.store.GetUser(r.Context(), session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}

func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	balance, err := h.store.Balance(r.Context(), session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	purchased, err := h.store.HasPurchasedCredits(r.Context(), session.UserID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, models.BalanceResponse{
		CreditsBalance: balance,
		HasPurchased:   purchased,
	})
}

func (h *Handler) AvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	var req models.AvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	err := h.optimizer.CheckAvailability(r.Context(), session.UserID, req.Text, req.CustomPrompt, req.Context)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, models.AvailabilityResponse{Available: true})
	case errors.Is(err, service.ErrInsufficientCredits),
		errors.Is(err, service.ErrTextTooLong),
		errors.Is(err, service.ErrPromptTooLong),
		errors.Is(err, service.ErrContextTooLong):
		respondWithJSON(w, http.StatusOK, models.AvailabilityResponse{Available: false, Reason: err.Error()})
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *Handler) EstimateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	est, err := h.optimizer.EstimateCredits(req.Text, req.LanguageCode, req.CustomPrompt, req.ModelType)
	if err != nil {
		if errors.Is(err, credits.ErrUnknownModel) {
			respondWithError(w, http.StatusBadRequest, "Unknown model type")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, models.EstimateResponse{
		CreditsEstimate: est.CreditsEstimate,
		InputTokens:     est.InputTokens,
		OutputTokens:    est.OutputTokens,
	})
}

func (h *Handler) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	txs, err := h.store.ListTransactions(r.Context(), session.UserID, queryLimit(r))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if txs == nil {
		txs = []domain.CreditTransaction{}
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) UsageHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	logs, err := h.store.ListUsage(r.Context(), session.UserID, queryLimit(r))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if logs == nil {
		logs = []domain.UsageLog{}
	}
	respondWithJSON(w, http.StatusOK, logs)
}

// LimitsHandler exposes the request size limits. Public: clients need them
// before the user ever logs in.
func (h *Handler) LimitsHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.LimitsResponse{
		MaxTextLength:    h.limits.MaxTextChars,
		MaxPromptLength:  h.limits.MaxPromptChars,
		MaxContextLength: h.limits.MaxContextChars,
	})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 200 {
		return 50
	}
	return n
}
