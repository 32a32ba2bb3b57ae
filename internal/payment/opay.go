package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sony/gobreaker"
)

// OpayProvider is the payload-signed variant: every outbound body and every
// inbound notification carries a `sign` field, HMAC-SHA512 over the canonical
// string of all other top-level fields. There is no signature header and no
// redirect verification round trip.
type OpayProvider struct {
	merchantID string
	publicKey  string
	privateKey string
	baseURL    string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewOpayProvider(merchantID, publicKey, privateKey, baseURL string) (*OpayProvider, error) {
	if merchantID == "" || publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("opay: %w", ErrMissingCredentials)
	}
	if baseURL == "" {
		baseURL = "https://cashierapi.opayweb.com"
	}
	return &OpayProvider{
		merchantID: merchantID,
		publicKey:  publicKey,
		privateKey: privateKey,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: outboundTimeout},
		breaker:    newBreaker("opay"),
	}, nil
}

func (p *OpayProvider) Name() string {
	return "opay"
}

// signFields computes the `sign` value over the canonical string of fields.
func (p *OpayProvider) signFields(fields map[string]string) string {
	return SignHMACSHA512([]byte(CanonicalString(fields)), p.privateKey)
}

type opayResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

const opayCodeSuccess = "00000"

func (p *OpayProvider) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	fields := map[string]string{
		"merchantId":  p.merchantID,
		"reference":   params.Reference,
		"amount":      strconv.FormatInt(params.Amount, 10),
		"currency":    params.Currency,
		"userPhone":   params.Phone,
		"callbackUrl": params.CallbackURL,
	}
	for k, v := range params.Metadata {
		fields[k] = v
	}

	result, err := p.post(ctx, "/api/v1/international/cashier/create", fields)
	if err != nil {
		return nil, err
	}

	cashierURL, _ := result.Data["cashierUrl"].(string)
	reference, _ := result.Data["reference"].(string)
	if reference == "" {
		reference = params.Reference
	}
	if cashierURL == "" {
		return nil, &ProviderError{Provider: "opay", Message: "initialize response missing cashierUrl"}
	}

	return &InitializeResult{
		PaymentURL: cashierURL,
		Reference:  reference,
	}, nil
}

func (p *OpayProvider) Verify(ctx context.Context, reference string) (*PaymentOutcome, error) {
	fields := map[string]string{
		"merchantId": p.merchantID,
		"reference":  reference,
	}

	result, err := p.post(ctx, "/api/v1/international/cashier/status", fields)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(result.Data)

	status, _ := result.Data["status"].(string)
	currency, _ := result.Data["currency"].(string)
	orderID, _ := result.Data["orderId"].(string)

	var amount int64
	switch v := result.Data["amount"].(type) {
	case string:
		amount, _ = strconv.ParseInt(v, 10, 64)
	case float64:
		amount = int64(v)
	}

	return &PaymentOutcome{
		Provider:  p.Name(),
		Reference: reference,
		Outcome:   opayOutcome(status),
		Amount:    amount,
		Currency:  currency,
		OrderID:   orderID,
		Raw:       raw,
	}, nil
}

// ParseWebhook authenticates the in-body sign field: the canonical string is
// recomputed over every received top-level field except sign itself, then
// compared in constant time. A payload whose values are not flat strings is
// malformed for this protocol.
func (p *OpayProvider) ParseWebhook(r *http.Request, body []byte) (*PaymentOutcome, error) {
	var fields map[string]string
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	signature, ok := fields["sign"]
	if !ok || signature == "" {
		return nil, ErrSignatureMismatch
	}
	delete(fields, "sign")

	if !VerifyHMACSHA512([]byte(CanonicalString(fields)), signature, p.privateKey) {
		return nil, ErrSignatureMismatch
	}

	reference := fields["reference"]
	if reference == "" {
		return nil, fmt.Errorf("webhook payload missing reference")
	}

	amount, _ := strconv.ParseInt(fields["amount"], 10, 64)

	return &PaymentOutcome{
		Provider:  p.Name(),
		Reference: reference,
		Outcome:   opayOutcome(fields["status"]),
		Amount:    amount,
		Currency:  fields["currency"],
		OrderID:   fields["orderId"],
		Raw:       body,
	}, nil
}

func (p *OpayProvider) post(ctx context.Context, path string, fields map[string]string) (*opayResponse, error) {
	payload := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		if v == "" {
			continue
		}
		payload[k] = v
	}
	payload["sign"] = p.signFields(payload)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.publicKey)
	req.Header.Set("MerchantId", p.merchantID)
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

	var result opayResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProviderError{Provider: "opay", StatusCode: resp.StatusCode, Message: "malformed response"}
	}

	if result.Code != opayCodeSuccess {
		return nil, &ProviderError{Provider: "opay", StatusCode: resp.StatusCode, Message: result.Message}
	}

	return &result, nil
}

func opayOutcome(status string) Outcome {
	switch status {
	case "SUCCESS":
		return OutcomeSuccess
	case "FAIL", "FAILED", "CLOSE":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}
