package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/credits"
	"github.com/textpolish/textpolish/internal/models"
	"github.com/textpolish/textpolish/internal/service"
)

// OptimizeHandler streams the corrected text as plain text chunks. The
// response status is committed when the first chunk arrives, so all error
// mapping (402, 400, 500) happens only while nothing has been written yet;
// a mid-stream failure can only cut the stream short.
func (h *Handler) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())

	var req models.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondWithError(w, http.StatusBadRequest, "Text is required")
		return
	}
	if req.ModelType == "" {
		respondWithError(w, http.StatusBadRequest, "Model type is required")
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	emit := func(chunk string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	res, err := h.optimizer.Optimize(r.Context(), service.OptimizeParams{
		UserID:       session.UserID,
		Text:         req.Text,
		LanguageCode: req.LanguageCode,
		CustomPrompt: req.CustomPrompt,
		Context:      req.Context,
		ModelType:    req.ModelType,
	}, emit)

	if err != nil {
		if started {
			h.log.WithError(err).WithField("user_id", session.UserID).Error("optimize failed mid-stream")
			return
		}
		switch {
		case errors.Is(err, service.ErrInsufficientCredits):
			respondWithError(w, http.StatusPaymentRequired, "Insufficient credits")
		case errors.Is(err, service.ErrTextTooLong),
			errors.Is(err, service.ErrPromptTooLong),
			errors.Is(err, service.ErrContextTooLong):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, credits.ErrUnknownModel):
			respondWithError(w, http.StatusBadRequest, "Unknown model type")
		default:
			h.log.WithError(err).WithField("user_id", session.UserID).Error("optimize failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	if res.Settled {
		creditsSettledTotal.Add(float64(res.CreditsUsed))
	} else {
		settlementRefusedTotal.Inc()
	}
	h.log.WithFields(logrus.Fields{
		"user_id":       session.UserID,
		"usage_log_id":  res.UsageLogID,
		"model":         req.ModelType,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"credits_used":  res.CreditsUsed,
		"settled":       res.Settled,
	}).Info("optimization completed")

	// Empty provider output: commit a valid empty 200 body.
	if !started {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}
