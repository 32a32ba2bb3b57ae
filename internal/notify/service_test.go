package notify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/smartzhq/smartz-payments/internal/recon"
)

func TestNewService(t *testing.T) {
	service, err := NewService(Config{
		SMTPHost:     "smtp.gmail.com",
		SMTPPort:     "587",
		SMTPUsername: "test@example.com",
		SMTPPassword: "password",
		FromEmail:    "payments@example.com",
		FromName:     "Smartz",
		AppURL:       "http://localhost:3000",
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if service == nil {
		t.Fatal("NewService() returned nil")
	}

	if !service.enabled {
		t.Error("Expected service to be enabled")
	}
}

func TestServiceDisabledWithoutSMTP(t *testing.T) {
	service, err := NewService(Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if service.enabled {
		t.Error("Expected service without SMTP host to be disabled")
	}

	// Must be a silent no-op, not a panic or a send attempt.
	service.PaymentSucceeded(recon.PaymentNotice{
		OrderID: "ord_1",
		Email:   "a@b.com",
		Amount:  5000,
	})
	service.PaymentFailed(recon.PaymentNotice{
		OrderID: "ord_1",
		Email:   "a@b.com",
		Amount:  5000,
	})
}

func TestFailureTemplateLoaded(t *testing.T) {
	service, err := NewService(Config{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	tmpl, ok := service.templates["payment_failed"]
	if !ok {
		t.Fatal("payment_failed template not loaded")
	}

	var body bytes.Buffer
	err = tmpl.Execute(&body, receiptData{
		Name:     "Ada",
		OrderID:  "ord_1",
		Amount:   "50.00",
		Currency: "NGN",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(body.String(), "could not be completed") {
		t.Error("Expected failure wording in rendered template")
	}
}

func TestReceiptTemplateRendersMinorUnits(t *testing.T) {
	service, err := NewService(Config{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	tmpl, ok := service.templates["payment_receipt"]
	if !ok {
		t.Fatal("payment_receipt template not loaded")
	}

	var body bytes.Buffer
	err = tmpl.Execute(&body, receiptData{
		Name:      "Ada",
		OrderID:   "ord_1",
		Reference: "smartz_ord_1_1_ab",
		Amount:    "50.00",
		Currency:  "NGN",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	html := body.String()
	if !strings.Contains(html, "NGN 50.00") {
		t.Errorf("Expected rendered amount in template, got: %s", html)
	}
	if !strings.Contains(html, "smartz_ord_1_1_ab") {
		t.Error("Expected reference in rendered template")
	}
}
