package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/payment"
	"github.com/smartzhq/smartz-payments/internal/recon"
)

const maxWebhookBodyBytes = 1 << 20

var validate = validator.New()

// paymentLedger is the store surface the handlers need. *ledger.Store
// satisfies it; tests substitute a fake.
type paymentLedger interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*ledger.Order, error)
	SetOrderPaymentInfo(ctx context.Context, arg ledger.SetOrderPaymentInfoParams) error
	UpsertTransaction(ctx context.Context, arg ledger.UpsertTransactionParams) (*ledger.Transaction, ledger.TransactionStatus, error)
}

// outcomeApplier is the state machine surface. *recon.Machine satisfies it.
type outcomeApplier interface {
	Apply(ctx context.Context, in recon.ApplyInput) (*recon.Result, error)
}

func (cfg *apiConfig) initiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	type parameters struct {
		OrderID  string `json:"order_id" validate:"required"`
		Provider string `json:"provider" validate:"required"`
		Email    string `json:"email" validate:"required,email"`
		Phone    string `json:"phone"`
	}

	userID, ok := GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, ApiError{
			Code:    codeUnauthorized,
			Message: "User not authenticated",
		})
		return
	}

	var params parameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    codeInvalidRequest,
			Message: "Invalid request body",
		})
		return
	}

	if err := validate.Struct(params); err != nil {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    codeValidation,
			Message: "order_id, provider and a valid email are required",
		})
		return
	}

	provider, ok := cfg.providers.Get(params.Provider)
	if !ok {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    codeUnknownProvider,
			Message: "Unsupported payment provider",
			Details: map[string]interface{}{
				"supported": cfg.providers.Names(),
			},
		})
		return
	}

	order, err := cfg.store.GetOrder(r.Context(), params.OrderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, ApiError{
				Code:    codeOrderNotFound,
				Message: "Order does not exist",
			})
			return
		}
		respondWithError(w, http.StatusInternalServerError, ApiError{
			Code:    codeInternalError,
			Message: "Failed to retrieve order",
		})
		return
	}

	if order.UserID != userID {
		respondWithError(w, http.StatusForbidden, ApiError{
			Code:    codePermissionDenied,
			Message: "Order belongs to another user",
		})
		return
	}

	if order.PaymentStatus != ledger.PaymentUnpaid {
		respondWithError(w, http.StatusConflict, ApiError{
			Code:    codeOrderNotPayable,
			Message: "Order payment is already " + string(order.PaymentStatus),
		})
		return
	}

	reference := payment.GenerateReference(order.ID)

	result, err := provider.Initialize(r.Context(), payment.InitializeParams{
		OrderID:     order.ID,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Email:       params.Email,
		Phone:       params.Phone,
		Reference:   reference,
		CallbackURL: cfg.callbackURL(r),
		Metadata:    map[string]string{"order_id": order.ID},
	})
	if err != nil {
		var provErr *payment.ProviderError
		if errors.As(err, &provErr) {
			respondWithError(w, http.StatusBadGateway, ApiError{
				Code:    codeProviderError,
				Message: provErr.Message,
				Details: map[string]interface{}{
					"provider": provErr.Provider,
				},
			})
			return
		}
		respondWithError(w, http.StatusInternalServerError, ApiError{
			Code:    codeInternalError,
			Message: "Failed to initialize payment",
		})
		return
	}

	// The provider accepted; only now is the order stamped with the reference.
	if err := cfg.store.SetOrderPaymentInfo(r.Context(), ledger.SetOrderPaymentInfoParams{
		OrderID:   order.ID,
		Reference: result.Reference,
		Provider:  provider.Name(),
	}); err != nil {
		respondWithError(w, http.StatusInternalServerError, ApiError{
			Code:    codeInternalError,
			Message: "Failed to record payment reference",
		})
		return
	}

	metadata, _ := json.Marshal(map[string]string{"order_id": order.ID})
	if _, _, err := cfg.store.UpsertTransaction(r.Context(), ledger.UpsertTransactionParams{
		OrderID:   &order.ID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		Provider:  provider.Name(),
		Reference: result.Reference,
		Status:    ledger.TransactionPending,
		Metadata:  metadata,
	}); err != nil {
		log.Printf("Failed to record pending transaction for order %s: %v", order.ID, err)
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Message: "Payment initialized",
		Data: map[string]interface{}{
			"payment_url": result.PaymentURL,
			"reference":   result.Reference,
			"provider":    provider.Name(),
		},
	})
}

// paymentCallbackHandler handles the browser redirect back from the payment
// page. It always lands the user on a frontend page; provider or ledger
// trouble degrades to the failure page, never a 5xx.
func (cfg *apiConfig) paymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		reference = r.URL.Query().Get("trxref")
	}
	if reference == "" {
		cfg.redirectFailure(w, r, "", "missing reference")
		return
	}

	order, err := cfg.store.GetOrderByReference(r.Context(), reference)
	if err != nil || order.PaymentProvider == nil {
		log.Printf("Callback for unknown reference %s: %v", reference, err)
		cfg.redirectFailure(w, r, reference, "unknown reference")
		return
	}

	provider, ok := cfg.providers.Get(*order.PaymentProvider)
	if !ok {
		log.Printf("Callback reference %s names unconfigured provider %s", reference, *order.PaymentProvider)
		cfg.redirectFailure(w, r, reference, "provider unavailable")
		return
	}

	outcome, err := provider.Verify(r.Context(), reference)
	if err != nil {
		log.Printf("Callback verify failed for %s: %v", reference, err)
		cfg.redirectFailure(w, r, reference, "verification failed")
		return
	}

	if outcome.Outcome == payment.OutcomePending {
		http.Redirect(w, r, cfg.appURL+"/payments/pending?reference="+url.QueryEscape(reference), http.StatusFound)
		return
	}

	result, err := cfg.machine.Apply(r.Context(), recon.ApplyInput{
		Provider:  provider.Name(),
		Reference: reference,
		Outcome:   outcome.Outcome,
		Amount:    outcome.Amount,
		Currency:  outcome.Currency,
		OrderID:   outcome.OrderID,
		Raw:       outcome.Raw,
	})
	if err != nil {
		log.Printf("Callback apply failed for %s: %v", reference, err)
		// The webhook and the reconciler sweep will settle the ledger.
		if outcome.Outcome == payment.OutcomeSuccess {
			cfg.redirectSuccess(w, r, order.ID, reference)
			return
		}
		cfg.redirectFailure(w, r, reference, "payment failed")
		return
	}

	if outcome.Outcome == payment.OutcomeSuccess && !result.Conflict {
		cfg.redirectSuccess(w, r, order.ID, reference)
		return
	}
	cfg.redirectFailure(w, r, reference, "payment failed")
}

func (cfg *apiConfig) redirectSuccess(w http.ResponseWriter, r *http.Request, orderID, reference string) {
	target := cfg.appURL + "/payments/success?order=" + url.QueryEscape(orderID) +
		"&reference=" + url.QueryEscape(reference)
	http.Redirect(w, r, target, http.StatusFound)
}

func (cfg *apiConfig) redirectFailure(w http.ResponseWriter, r *http.Request, reference, reason string) {
	target := cfg.appURL + "/payments/failed?error=" + url.QueryEscape(reason)
	if reference != "" {
		target += "&reference=" + url.QueryEscape(reference)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// webhookHandler builds the handler for one provider's webhook endpoint.
// Signature mismatch answers 401, malformed payload 400, ledger failure 500
// so the provider redelivers. Anything durably recorded answers 200.
func (cfg *apiConfig) webhookHandler(providerName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := cfg.providers.Get(providerName)
		if !ok {
			respondWithError(w, http.StatusNotFound, ApiError{
				Code:    codeUnknownProvider,
				Message: "Provider not configured",
			})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, ApiError{
				Code:    codeInvalidPayload,
				Message: "Failed to read request body",
			})
			return
		}

		outcome, err := provider.ParseWebhook(r, body)
		if err != nil {
			if errors.Is(err, payment.ErrSignatureMismatch) {
				respondWithError(w, http.StatusUnauthorized, ApiError{
					Code:    codeSignatureMismatch,
					Message: "Webhook signature verification failed",
				})
				return
			}
			respondWithError(w, http.StatusBadRequest, ApiError{
				Code:    codeInvalidPayload,
				Message: "Failed to parse webhook payload",
			})
			return
		}

		// Non-terminal events are acknowledged without touching the ledger.
		if outcome.Outcome == payment.OutcomePending {
			respondReceived(w)
			return
		}

		result, err := cfg.machine.Apply(r.Context(), recon.ApplyInput{
			Provider:  provider.Name(),
			Reference: outcome.Reference,
			Outcome:   outcome.Outcome,
			Amount:    outcome.Amount,
			Currency:  outcome.Currency,
			OrderID:   outcome.OrderID,
			Raw:       outcome.Raw,
		})
		if err != nil {
			var lErr *recon.LedgerError
			if errors.As(err, &lErr) {
				respondWithError(w, http.StatusInternalServerError, ApiError{
					Code:    codeLedgerError,
					Message: "Failed to record payment outcome",
				})
				return
			}
			respondWithError(w, http.StatusBadRequest, ApiError{
				Code:    codeInvalidPayload,
				Message: "Webhook payload could not be applied",
			})
			return
		}

		if result.Conflict {
			log.Printf("Conflicting outcome for %s/%s flagged for review", provider.Name(), outcome.Reference)
		}
		if result.Orphaned {
			log.Printf("Orphaned reference %s/%s recorded for review", provider.Name(), outcome.Reference)
		}

		respondReceived(w)
	}
}

const callbackPath = "/api/v1/payments/callback"

// callbackURL is what the provider redirects the payer back to. The
// configured API base URL wins; behind a TLS-terminating proxy the request's
// own TLS state is wrong, so the derived fallback trusts X-Forwarded-Proto
// first.
func (cfg *apiConfig) callbackURL(r *http.Request) string {
	if cfg.apiURL != "" {
		return strings.TrimSuffix(cfg.apiURL, "/") + callbackPath
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + callbackPath
}
