package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/smtp"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/smartzhq/smartz-payments/internal/recon"
)

// Service delivers the best-effort payment notifications. It implements
// recon.Notifier; every send error is logged and dropped, never propagated
// back into reconciliation.
type Service struct {
	smtpHost     string
	smtpPort     string
	smtpUsername string
	smtpPassword string
	fromEmail    string
	fromName     string
	appURL       string
	enabled      bool
	templates    map[string]*template.Template
}

type Config struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	AppURL       string
	Enabled      bool
}

func NewService(cfg Config) (*Service, error) {
	service := &Service{
		smtpHost:     cfg.SMTPHost,
		smtpPort:     cfg.SMTPPort,
		smtpUsername: cfg.SMTPUsername,
		smtpPassword: cfg.SMTPPassword,
		fromEmail:    cfg.FromEmail,
		fromName:     cfg.FromName,
		appURL:       cfg.AppURL,
		enabled:      cfg.Enabled && cfg.SMTPHost != "",
		templates:    make(map[string]*template.Template),
	}

	if err := service.loadTemplates(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return service, nil
}

func (s *Service) loadTemplates() error {
	templateDir := "internal/notify/templates"

	templates := map[string]string{
		"payment_receipt": "payment_receipt.html",
		"payment_failed":  "payment_failed.html",
	}

	fallbacks := map[string]string{
		"payment_receipt": defaultReceiptTemplate,
		"payment_failed":  defaultFailedTemplate,
	}

	for key, filename := range templates {
		path := filepath.Join(templateDir, filename)
		tmpl, err := template.ParseFiles(path)
		if err != nil {
			tmpl = template.Must(template.New(key).Parse(fallbacks[key]))
		}
		s.templates[key] = tmpl
	}

	return nil
}

type receiptData struct {
	Name       string
	OrderID    string
	Reference  string
	Amount     string
	Currency   string
	ReceiptURL string
}

// PaymentSucceeded emails the order owner a receipt. The amount arrives in
// minor units and is rendered in major units with two decimals.
func (s *Service) PaymentSucceeded(notice recon.PaymentNotice) {
	if !s.enabled || notice.Email == "" {
		return
	}

	amount := decimal.NewFromInt(notice.Amount).Div(decimal.NewFromInt(100))

	err := s.send(notice.Email, "Payment received - Thank you!", "payment_receipt", receiptData{
		Name:       notice.Name,
		OrderID:    notice.OrderID,
		Reference:  notice.Reference,
		Amount:     amount.StringFixed(2),
		Currency:   notice.Currency,
		ReceiptURL: s.appURL + "/orders/" + notice.OrderID,
	})
	if err != nil {
		log.Printf("Failed to send payment receipt for order %s: %v", notice.OrderID, err)
	}
}

// PaymentFailed emails the order owner that the payment did not go through.
func (s *Service) PaymentFailed(notice recon.PaymentNotice) {
	if !s.enabled || notice.Email == "" {
		return
	}

	amount := decimal.NewFromInt(notice.Amount).Div(decimal.NewFromInt(100))

	err := s.send(notice.Email, "Your payment could not be completed", "payment_failed", receiptData{
		Name:       notice.Name,
		OrderID:    notice.OrderID,
		Reference:  notice.Reference,
		Amount:     amount.StringFixed(2),
		Currency:   notice.Currency,
		ReceiptURL: s.appURL + "/orders/" + notice.OrderID,
	})
	if err != nil {
		log.Printf("Failed to send payment failure notice for order %s: %v", notice.OrderID, err)
	}
}

func (s *Service) send(to, subject, templateKey string, data interface{}) error {
	tmpl, ok := s.templates[templateKey]
	if !ok {
		return fmt.Errorf("template %s not found", templateKey)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	message := fmt.Sprintf("From: %s <%s>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s", s.fromName, s.fromEmail, to, subject, body.String())

	auth := smtp.PlainAuth("", s.smtpUsername, s.smtpPassword, s.smtpHost)
	addr := fmt.Sprintf("%s:%s", s.smtpHost, s.smtpPort)

	if err := smtp.SendMail(addr, auth, s.fromEmail, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

const defaultReceiptTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment received</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>We received your payment of {{.Currency}} {{.Amount}} for order {{.OrderID}}.</p>
    <p>Payment reference: {{.Reference}}</p>
    <p><a href="{{.ReceiptURL}}">View your order</a></p>
</body>
</html>
`

const defaultFailedTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment failed</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>Your payment of {{.Currency}} {{.Amount}} for order {{.OrderID}} could not be completed.</p>
    <p>Payment reference: {{.Reference}}</p>
    <p>No money has been taken for this attempt. You can <a href="{{.ReceiptURL}}">retry the payment</a> from your order page.</p>
</body>
</html>
`
