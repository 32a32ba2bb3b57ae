package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
)

const paystackSignatureHeader = "x-paystack-signature"

// PaystackProvider is the redirect-verification variant: the provider
// delivers outcomes via a browser redirect carrying the reference and via a
// webhook whose body is signed with HMAC-SHA512 in a header.
type PaystackProvider struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker
}

func NewPaystackProvider(secretKey, webhookSecret, baseURL string) (*PaystackProvider, error) {
	if secretKey == "" || webhookSecret == "" {
		return nil, fmt.Errorf("paystack: %w", ErrMissingCredentials)
	}
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &PaystackProvider{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: outboundTimeout},
		breaker:       newBreaker("paystack"),
	}, nil
}

func (p *PaystackProvider) Name() string {
	return "paystack"
}

type paystackInitializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata"`
}

type paystackInitializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

func (p *PaystackProvider) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	url := fmt.Sprintf("%s/transaction/initialize", p.baseURL)

	jsonData, err := json.Marshal(paystackInitializeRequest{
		Email:       params.Email,
		Amount:      params.Amount,
		Currency:    params.Currency,
		Reference:   params.Reference,
		CallbackURL: params.CallbackURL,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := doWithBreaker(p.breaker, p.client, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result paystackInitializeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProviderError{Provider: "paystack", StatusCode: resp.StatusCode, Message: "malformed initialize response"}
	}

	if !result.Status {
		return nil, &ProviderError{Provider: "paystack", StatusCode: resp.StatusCode, Message: result.Message}
	}

	return &InitializeResult{
		PaymentURL: result.Data.AuthorizationURL,
		Reference:  result.Data.Reference,
		AccessCode: result.Data.AccessCode,
	}, nil
}

type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string                 `json:"status"`
		Reference string                 `json:"reference"`
		Amount    int64                  `json:"amount"`
		Currency  string                 `json:"currency"`
		Metadata  map[string]interface{} `json:"metadata"`
	} `json:"data"`
}

func (p *PaystackProvider) Verify(ctx context.Context, reference string) (*PaymentOutcome, error) {
	url := fmt.Sprintf("%s/transaction/verify/%s", p.baseURL, reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := doWithBreaker(p.breaker, p.client, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result paystackVerifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProviderError{Provider: "paystack", StatusCode: resp.StatusCode, Message: "malformed verify response"}
	}

	if !result.Status {
		return nil, &ProviderError{Provider: "paystack", StatusCode: resp.StatusCode, Message: result.Message}
	}

	outcome := &PaymentOutcome{
		Provider:  p.Name(),
		Reference: result.Data.Reference,
		Outcome:   paystackOutcome(result.Data.Status),
		Amount:    result.Data.Amount,
		Currency:  result.Data.Currency,
		OrderID:   metadataString(result.Data.Metadata, "order_id"),
		Raw:       body,
	}
	if outcome.Reference == "" {
		outcome.Reference = reference
	}
	return outcome, nil
}

func (p *PaystackProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return VerifyHMACSHA512(payload, signature, p.webhookSecret)
}

type paystackWebhookEvent struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func (p *PaystackProvider) ParseWebhook(r *http.Request, body []byte) (*PaymentOutcome, error) {
	signature := r.Header.Get(paystackSignatureHeader)
	if signature == "" || !p.VerifyWebhookSignature(body, signature) {
		return nil, ErrSignatureMismatch
	}

	var event paystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}

	var outcome Outcome
	switch event.Event {
	case "charge.success":
		outcome = OutcomeSuccess
	case "charge.failed":
		outcome = OutcomeFailure
	default:
		outcome = OutcomePending
	}

	reference, _ := event.Data["reference"].(string)
	currency, _ := event.Data["currency"].(string)

	var amount int64
	if v, ok := event.Data["amount"].(float64); ok {
		amount = int64(v)
	}

	var orderID string
	if meta, ok := event.Data["metadata"].(map[string]interface{}); ok {
		orderID = metadataString(meta, "order_id")
	}

	return &PaymentOutcome{
		Provider:  p.Name(),
		Reference: reference,
		Outcome:   outcome,
		Amount:    amount,
		Currency:  currency,
		OrderID:   orderID,
		Raw:       body,
	}, nil
}

func paystackOutcome(status string) Outcome {
	switch status {
	case "success":
		return OutcomeSuccess
	case "failed", "abandoned", "reversed":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}

func metadataString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}
