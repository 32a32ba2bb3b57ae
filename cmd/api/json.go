package main

import (
	"encoding/json"
	"log"
	"net/http"
)

// Error codes the payment endpoints answer with. Webhook acknowledgements
// are the exception: providers only look at the status code, so they get the
// fixed receipt body from respondReceived instead of this envelope.
const (
	codeUnauthorized       = "UNAUTHORIZED"
	codeInvalidTokenFormat = "INVALID_TOKEN_FORMAT"
	codeInvalidToken       = "INVALID_TOKEN"
	codeRateLimited        = "RATE_LIMIT_EXCEEDED"
	codeInvalidRequest     = "INVALID_REQUEST"
	codeValidation         = "VALIDATION_ERROR"
	codeUnknownProvider    = "UNKNOWN_PROVIDER"
	codeOrderNotFound      = "ORDER_NOT_FOUND"
	codePermissionDenied   = "PERMISSION_DENIED"
	codeOrderNotPayable    = "ORDER_NOT_PAYABLE"
	codeProviderError      = "PROVIDER_ERROR"
	codeSignatureMismatch  = "SIGNATURE_MISMATCH"
	codeInvalidPayload     = "INVALID_PAYLOAD"
	codeLedgerError        = "LEDGER_ERROR"
	codeInternalError      = "INTERNAL_ERROR"
)

type ApiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ApiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ErrorResponse struct {
	Success bool     `json:"success"`
	Error   ApiError `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, apiErr ApiError) {
	if code >= 500 {
		log.Printf("Payment API answering %d: %s - %s", code, apiErr.Code, apiErr.Message)
	}

	respondWithJSON(w, code, ErrorResponse{
		Success: false,
		Error:   apiErr,
	})
}

// respondReceived acknowledges a webhook delivery as durably recorded. A 2xx
// stops the provider's redelivery; anything the ledger has not kept must go
// through respondWithError with a 5xx instead.
func respondReceived(w http.ResponseWriter) {
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal response payload: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"error":{"code":"` + codeInternalError + `","message":"Failed to generate response"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
