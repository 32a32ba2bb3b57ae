package payment

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const outboundTimeout = 15 * time.Second

// newBreaker trips after repeated provider failures so a flapping provider
// does not hold request goroutines for the full client timeout.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

func doWithBreaker(cb *gobreaker.CircuitBreaker, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := cb.Execute(func() (interface{}, error) {
		return client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}
