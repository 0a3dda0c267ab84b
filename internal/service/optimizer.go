package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/textpolish/textpolish/internal/config"
	"github.com/textpolish/textpolish/internal/credits"
	"github.com/textpolish/textpolish/internal/domain"
	"github.com/textpolish/textpolish/internal/provider"
)

// Ledger is the slice of the store the orchestrator needs. Implemented by
// *store.LedgerStore.
type Ledger interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	Settle(ctx context.Context, userID, amount, usageLogID int64) (int64, error)
	OpenUsageLog(ctx context.Context, log domain.UsageLog) (int64, error)
	CloseUsageLog(ctx context.Context, c domain.UsageClose) error
}

// ModelBinding resolves a public model identifier to its provider client
// and provider-side model name. Bindings are built once at startup from the
// validated catalog.
type ModelBinding struct {
	Client    provider.ChatClient
	ModelName string
}

// Optimizer sequences one optimization request: authorization gate, usage
// log open, provider stream, settlement, usage log close. It owns the rule
// that a request is billed at most once, and only on the success path.
type Optimizer struct {
	ledger   Ledger
	calc     *credits.Calculator
	bindings map[string]ModelBinding
	limits   config.Limits
	log      *logrus.Logger
}

func NewOptimizer(ledger Ledger, calc *credits.Calculator, bindings map[string]ModelBinding, limits config.Limits, log *logrus.Logger) (*Optimizer, error) {
	for id, b := range bindings {
		if b.Client == nil {
			return nil, fmt.Errorf("model %q has no provider client", id)
		}
		if b.ModelName == "" {
			return nil, fmt.Errorf("model %q has no provider model name", id)
		}
		if !calc.Knows(id) {
			return nil, fmt.Errorf("model %q is bound but missing from the rate table", id)
		}
	}
	return &Optimizer{
		ledger:   ledger,
		calc:     calc,
		bindings: bindings,
		limits:   limits,
		log:      log,
	}, nil
}

// OptimizeParams is one optimization request.
type OptimizeParams struct {
	UserID       int64
	Text         string
	LanguageCode string
	CustomPrompt string
	Context      string
	ModelType    string
}

// OptimizeResult reports the accounting outcome of a finished request.
// Settled is false when the generation succeeded but settlement was refused
// for insufficient balance; the usage log records the shortfall.
type OptimizeResult struct {
	UsageLogID   int64
	InputTokens  int
	OutputTokens int
	CreditsUsed  int64
	NewBalance   int64
	Settled      bool
	ResponseTime time.Duration
}

// Estimate is a pre-flight cost estimate.
type Estimate struct {
	InputTokens     int
	OutputTokens    int
	CreditsEstimate int64
}

// EstimateCredits computes the pre-flight estimate shown to the user before
// they start a paid request.
func (o *Optimizer) EstimateCredits(text, languageCode, customPrompt, modelType string) (*Estimate, error) {
	system, messages := provider.BuildPrompt(languageCode, text, customPrompt, "")
	in := provider.EstimatePromptTokens(system, messages)
	out := provider.EstimateOutputTokens(text)

	cost, err := o.calc.Calculate(modelType, in, out)
	if err != nil {
		return nil, err
	}
	return &Estimate{InputTokens: in, OutputTokens: out, CreditsEstimate: cost}, nil
}

// Optimize runs the full request state machine, forwarding text chunks
// through emit as they arrive. Once the usage log is open, the provider
// call and the settle/close sequence run to completion even if the caller's
// context is cancelled: a client that disconnects mid-stream is still
// billed for what the provider generated.
func (o *Optimizer) Optimize(ctx context.Context, p OptimizeParams, emit func(chunk string) error) (*OptimizeResult, error) {
	start := time.Now()

	binding, ok := o.bindings[p.ModelType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credits.ErrUnknownModel, p.ModelType)
	}

	if err := o.CheckAvailability(ctx, p.UserID, p.Text, p.CustomPrompt, p.Context); err != nil {
		return nil, err
	}

	system, messages := provider.BuildPrompt(p.LanguageCode, p.Text, p.CustomPrompt, p.Context)
	inputEstimate := provider.EstimatePromptTokens(system, messages)
	estimatedCost, err := o.calc.Calculate(p.ModelType, inputEstimate, provider.EstimateOutputTokens(p.Text))
	if err != nil {
		return nil, err
	}

	// Accounting outlives the request context from here on.
	bctx := context.WithoutCancel(ctx)

	logID, err := o.ledger.OpenUsageLog(bctx, domain.UsageLog{
		UserID:      p.UserID,
		RequestType: domain.RequestTypeOptimization,
		ModelType:   p.ModelType,
		InputTokens: inputEstimate,
		CreditsUsed: estimatedCost,
		Status:      domain.StatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}

	stream, err := binding.Client.StreamCompletion(bctx, provider.CompletionRequest{
		Model:    binding.ModelName,
		System:   system,
		Messages: messages,
	})
	if err != nil {
		o.closeFailed(bctx, logID, inputEstimate, 0, start, err)
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	var (
		full      strings.Builder
		usage     *provider.Usage
		streamErr error
		emitErr   error
	)
	for ev := range stream {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if ev.Usage != nil {
			usage = ev.Usage
			continue
		}
		if ev.Delta == "" {
			continue
		}
		full.WriteString(ev.Delta)
		if emitErr == nil && emit != nil {
			if err := emit(ev.Delta); err != nil {
				// Client is gone; keep draining so accounting completes.
				emitErr = err
				o.log.WithError(err).WithField("usage_log_id", logID).
					Warn("client disconnected mid-stream, continuing accounting")
			}
		}
	}

	if streamErr != nil {
		o.closeFailed(bctx, logID, inputEstimate, provider.EstimateTokens(full.String()), start, streamErr)
		return nil, fmt.Errorf("%w: %v", ErrProvider, streamErr)
	}

	inputTokens := inputEstimate
	outputTokens := provider.EstimateTokens(full.String())
	if usage != nil {
		if usage.InputTokens > 0 {
			inputTokens = usage.InputTokens
		}
		if usage.OutputTokens > 0 {
			outputTokens = usage.OutputTokens
		}
	}

	actualCost, err := o.calc.Calculate(p.ModelType, inputTokens, outputTokens)
	if err != nil {
		o.closeFailed(bctx, logID, inputTokens, outputTokens, start, err)
		return nil, fmt.Errorf("calculate credits: %w", err)
	}

	result := &OptimizeResult{
		UsageLogID:   logID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CreditsUsed:  actualCost,
		ResponseTime: time.Since(start),
	}

	closeReq := domain.UsageClose{
		ID:             logID,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		Status:         domain.StatusCompleted,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		CreditsUsed:    actualCost,
	}

	newBalance, settleErr := o.ledger.Settle(bctx, p.UserID, actualCost, logID)
	switch {
	case settleErr == nil:
		result.Settled = true
		result.NewBalance = newBalance
	case errors.Is(settleErr, ErrInsufficientCredits):
		// The generation succeeded but a concurrent request spent the
		// balance first. The provider cost is not refunded; the log keeps
		// the shortfall visible for reconciliation.
		closeReq.ErrorMessage = "credits not collected: insufficient balance at settlement"
		o.log.WithFields(logrus.Fields{
			"user_id":      p.UserID,
			"usage_log_id": logID,
			"credits":      actualCost,
		}).Warn("settlement refused after successful generation")
	default:
		closeReq.ErrorMessage = "settlement error: " + settleErr.Error()
		if err := o.ledger.CloseUsageLog(bctx, closeReq); err != nil {
			o.log.WithError(err).WithField("usage_log_id", logID).Error("usage log close failed")
		}
		return nil, fmt.Errorf("settle usage: %w", settleErr)
	}

	if err := o.ledger.CloseUsageLog(bctx, closeReq); err != nil {
		// Settlement already happened; the orphaned processing row is
		// picked up by the reconciliation scan.
		o.log.WithError(err).WithField("usage_log_id", logID).Error("usage log close failed")
	}
	return result, nil
}

func (o *Optimizer) closeFailed(ctx context.Context, logID int64, inputTokens, outputTokens int, start time.Time, cause error) {
	err := o.ledger.CloseUsageLog(ctx, domain.UsageClose{
		ID:             logID,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		Status:         domain.StatusFailed,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ErrorMessage:   cause.Error(),
	})
	if err != nil {
		o.log.WithError(err).WithField("usage_log_id", logID).Error("usage log close failed")
	}
}
