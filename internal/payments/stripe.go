package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// CheckoutSession is the hosted payment page created for a purchase.
type CheckoutSession struct {
	ID  string
	URL string
}

// CreditGrant is the outcome of a completed checkout: credit this many whole
// credits to this user, keyed by the session ID for idempotency.
type CreditGrant struct {
	UserID    int64
	Credits   int64
	SessionID string
}

// Client wraps the Stripe SDK for the two operations the service needs:
// creating hosted checkouts and verifying webhook signatures.
type Client struct {
	api           *client.API
	webhookSecret string
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the Stripe API host. Tests point it at a local server.
	BaseURL string
}

func New(cfg Config) (*Client, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	backends := stripe.NewBackends(httpClient)
	if cfg.BaseURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:        stripe.String(cfg.BaseURL),
			HTTPClient: httpClient,
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &Client{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

// CheckoutParams describes one credit package purchase.
type CheckoutParams struct {
	UserID     int64
	Email      string
	Credits    int64
	PriceCents int64
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession opens a hosted checkout for the credit package. The
// user ID and credit amount ride along as metadata so the webhook can credit
// the right account without any server-side session state.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(strconv.FormatInt(p.UserID, 10)),
		CustomerEmail:     stripe.String(p.Email),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(p.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d Credits", p.Credits)),
				},
			},
		}},
	}
	params.AddMetadata("user_id", strconv.FormatInt(p.UserID, 10))
	params.AddMetadata("credits", strconv.FormatInt(p.Credits, 10))

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// VerifySignature checks a Stripe-Signature header against the raw webhook
// payload. Timestamps outside the default tolerance are rejected to stop
// replay of captured events.
func (c *Client) VerifySignature(payload []byte, header string) error {
	err := webhook.ValidatePayload(payload, header, c.webhookSecret)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent extracts a credit grant from a verified webhook payload.
// Events other than checkout.session.completed return (nil, nil): they are
// acknowledged and ignored.
func ParseEvent(payload []byte) (*CreditGrant, error) {
	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if ev.Type != "checkout.session.completed" {
		return nil, nil
	}

	obj := ev.Data.Object
	userRef := obj.Metadata["user_id"]
	if userRef == "" {
		userRef = obj.ClientReferenceID
	}
	userID, err := strconv.ParseInt(userRef, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("checkout session %s has no usable user reference", obj.ID)
	}
	credits, err := strconv.ParseInt(obj.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("checkout session %s has no usable credits metadata", obj.ID)
	}
	return &CreditGrant{UserID: userID, Credits: credits, SessionID: obj.ID}, nil
}
