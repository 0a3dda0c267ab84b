package service

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/textpolish/textpolish/internal/store"
)

var (
	// ErrInsufficientCredits is shared with the store so the gate pre-check
	// and the authoritative settlement check surface as one condition.
	ErrInsufficientCredits = store.ErrInsufficientCredits

	ErrTextTooLong    = errors.New("text too long")
	ErrPromptTooLong  = errors.New("custom prompt too long")
	ErrContextTooLong = errors.New("context too long")

	ErrProvider = errors.New("provider error")
)

// CheckAvailability reports whether the user may start a paid optimization.
// It is read-only and reserves nothing: balance can still change before
// settlement, which re-checks authoritatively. Length violations are
// distinct errors so callers can give specific feedback. Limits are in
// characters, not bytes, so umlauts and other multi-byte runes count once.
func (o *Optimizer) CheckAvailability(ctx context.Context, userID int64, text, customPrompt, contextText string) error {
	if utf8.RuneCountInString(text) > o.limits.MaxTextChars {
		return ErrTextTooLong
	}
	if utf8.RuneCountInString(customPrompt) > o.limits.MaxPromptChars {
		return ErrPromptTooLong
	}
	if utf8.RuneCountInString(contextText) > o.limits.MaxContextChars {
		return ErrContextTooLong
	}

	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return ErrInsufficientCredits
	}
	return nil
}
