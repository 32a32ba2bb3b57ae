package payment

import (
	"context"
	"net/http"
	"sort"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

type InitializeParams struct {
	OrderID     string
	Amount      int64 // minor currency units
	Currency    string
	Email       string
	Phone       string
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

type InitializeResult struct {
	PaymentURL string
	Reference  string
	AccessCode string
}

// PaymentOutcome is the normalized result of a verify call or a parsed
// webhook, after signature verification.
type PaymentOutcome struct {
	Provider  string
	Reference string
	Outcome   Outcome
	Amount    int64
	Currency  string
	OrderID   string // from provider metadata when the provider carries it
	Raw       []byte
}

// Provider is the capability set every payment integration implements.
// ParseWebhook verifies the notification's signature before returning;
// a rejected payload never produces an outcome.
type Provider interface {
	Name() string
	Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*PaymentOutcome, error)
	ParseWebhook(r *http.Request, body []byte) (*PaymentOutcome, error)
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
