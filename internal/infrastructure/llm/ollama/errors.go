package ollama

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

// statusKinds maps Ollama HTTP statuses onto domain error kinds.
var statusKinds = map[int]error{
	http.StatusRequestTimeout:        domain.ErrTemporary,
	http.StatusTooManyRequests:       domain.ErrRateLimited,
	http.StatusRequestEntityTooLarge: domain.ErrBatchTooLarge,
	http.StatusInternalServerError:   domain.ErrTemporary,
	http.StatusBadGateway:            domain.ErrTemporary,
	http.StatusServiceUnavailable:    domain.ErrTemporary,
	http.StatusGatewayTimeout:        domain.ErrTemporary,
}

// StatusError is a non-2xx reply from the Ollama API.
type StatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap exposes the domain kind for the status so errors.Is(err, domain.ErrRateLimited) works.
func (e *StatusError) Unwrap() error {
	return statusKinds[e.StatusCode]
}

// classify retries transient transport and server failures. Other 4xx replies
// are the caller's fault and leave the breaker untouched.
func classify(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Unwrap() == nil && statusErr.StatusCode < 500 {
		return resilience.ErrorClassification{}
	}
	return resilience.TransientClassifier(err)
}
