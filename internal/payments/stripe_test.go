package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// signPayload produces a Stripe-Signature header over the payload using the
// documented v1 scheme (HMAC-SHA256 over "<t>.<payload>").
func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestCreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("mode"); got != "payment" {
			t.Errorf("mode = %q", got)
		}
		if got := r.PostForm.Get("client_reference_id"); got != "42" {
			t.Errorf("client_reference_id = %q", got)
		}
		if got := r.PostForm.Get("metadata[user_id]"); got != "42" {
			t.Errorf("metadata[user_id] = %q", got)
		}
		if got := r.PostForm.Get("metadata[credits]"); got != "500" {
			t.Errorf("metadata[credits] = %q", got)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "500" {
			t.Errorf("unit_amount = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_abc","url":"https://checkout.stripe.com/pay/cs_test_abc"}`)
	}))
	defer srv.Close()

	client, err := New(Config{SecretKey: "sk_test_123", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	session, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		UserID:     42,
		Email:      "user@example.com",
		Credits:    500,
		PriceCents: 500,
		SuccessURL: "http://localhost/success",
		CancelURL:  "http://localhost/cancel",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.ID != "cs_test_abc" {
		t.Fatalf("session ID = %q", session.ID)
	}
	if session.URL == "" {
		t.Fatal("session URL missing")
	}
}

func TestCreateCheckoutSessionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"invalid key"}}`)
	}))
	defer srv.Close()

	client, _ := New(Config{SecretKey: "sk_bad", BaseURL: srv.URL})
	if _, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{UserID: 1, Credits: 1, PriceCents: 1}); err == nil {
		t.Fatal("expected error on API failure")
	}
}

func TestVerifySignature(t *testing.T) {
	client, _ := New(Config{SecretKey: "sk", WebhookSecret: "whsec_test"})
	payload := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Now()

	if err := client.VerifySignature(payload, signPayload("whsec_test", payload, now)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := client.VerifySignature(payload, signPayload("whsec_wrong", payload, now)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret: %v, want ErrBadSignature", err)
	}

	tampered := []byte(`{"type":"checkout.session.completed","amount":9}`)
	if err := client.VerifySignature(tampered, signPayload("whsec_test", payload, now)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered payload: %v, want ErrBadSignature", err)
	}

	stale := now.Add(-10 * time.Minute)
	if err := client.VerifySignature(payload, signPayload("whsec_test", payload, stale)); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("stale timestamp: %v, want ErrStaleTimestamp", err)
	}

	if err := client.VerifySignature(payload, "not a signature header"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("malformed header: %v, want ErrBadSignature", err)
	}
}

func TestParseEventCheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_abc",
			"client_reference_id": "42",
			"metadata": {"user_id": "42", "credits": "500"}
		}}
	}`)

	grant, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if grant == nil {
		t.Fatal("expected a grant")
	}
	if grant.UserID != 42 || grant.Credits != 500 || grant.SessionID != "cs_test_abc" {
		t.Fatalf("grant = %+v", grant)
	}
}

func TestParseEventIgnoresOtherTypes(t *testing.T) {
	grant, err := ParseEvent([]byte(`{"type":"invoice.paid","data":{"object":{"id":"in_1"}}}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if grant != nil {
		t.Fatalf("grant = %+v, want nil", grant)
	}
}

func TestParseEventFallsBackToClientReference(t *testing.T) {
	payload := []byte(`{
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_abc",
			"client_reference_id": "7",
			"metadata": {"credits": "500"}
		}}
	}`)
	grant, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if grant.UserID != 7 {
		t.Fatalf("UserID = %d, want 7", grant.UserID)
	}
}

func TestParseEventRejectsMissingMetadata(t *testing.T) {
	payload := []byte(`{
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_abc", "metadata": {}}}
	}`)
	if _, err := ParseEvent(payload); err == nil {
		t.Fatal("expected error for missing metadata")
	}
}
