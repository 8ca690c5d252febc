package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. 5xx responses
// count as failures; 4xx do not.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	service string
}

func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPWrapper{client: client, cb: NewCircuitBreaker(name, HTTPSettings().ToConfig(), logger), service: service}
}

// Do sends req through the breaker. A 5xx response is returned to the caller
// with a nil error after being counted.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	recordRequest(hw.cb.Name(), hw.service, err)
	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
