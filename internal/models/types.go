package models

// OptimizeRequest is the payload for POST /api/v1/optimize.
type OptimizeRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	CustomPrompt string `json:"customPrompt"`
	Context      string `json:"context"`
	ModelType    string `json:"modelType"`
}

// AvailabilityRequest asks whether a paid optimization may start.
type AvailabilityRequest struct {
	Text         string `json:"text"`
	CustomPrompt string `json:"customPrompt"`
	Context      string `json:"context"`
}

// AvailabilityResponse reports the gate decision. Reason is set only when
// Available is false so the client can show specific feedback.
type AvailabilityResponse struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// BalanceResponse carries the current micro-credit balance. HasPurchased
// lets the client distinguish a trial account from a paying one.
type BalanceResponse struct {
	CreditsBalance int64 `json:"creditsBalance"`
	HasPurchased   bool  `json:"hasPurchased"`
}

// EstimateRequest asks for a pre-flight cost estimate.
type EstimateRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	CustomPrompt string `json:"customPrompt"`
	ModelType    string `json:"modelType"`
}

// EstimateResponse is the estimated cost in micro-credits.
type EstimateResponse struct {
	CreditsEstimate int64 `json:"creditsEstimate"`
	InputTokens     int   `json:"inputTokens"`
	OutputTokens    int   `json:"outputTokens"`
}

// LimitsResponse publishes the request size limits so clients can validate
// input before submitting. Limits are in characters.
type LimitsResponse struct {
	MaxTextLength    int `json:"maxTextLength"`
	MaxPromptLength  int `json:"maxPromptLength"`
	MaxContextLength int `json:"maxContextLength"`
}

// LoginRequest starts the magic-link flow.
type LoginRequest struct {
	Email string `json:"email"`
}

// VerifyRequest exchanges a magic-link token for a session.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse returns the session credential and account snapshot.
type VerifyResponse struct {
	AccessToken    string `json:"accessToken"`
	UserID         int64  `json:"userId"`
	Email          string `json:"email"`
	CreditsBalance int64  `json:"creditsBalance"`
}

// CheckoutRequest selects a credit package to purchase.
type CheckoutRequest struct {
	Credits  int64 `json:"credits"`
	PriceUSD int64 `json:"price"`
}

// CheckoutResponse points the client at the hosted payment page.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// WebhookAck acknowledges a payment provider event.
type WebhookAck struct {
	Received bool `json:"received"`
}
