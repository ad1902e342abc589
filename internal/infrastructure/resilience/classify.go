package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// TransientClassifier retries timeouts, rate limits and temporary failures.
// Oversized batches and invalid input are permanent and do not count against the breaker.
func TransientClassifier(err error) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.Is(err, domain.ErrBatchTooLarge), errors.Is(err, domain.ErrInvalidParameter):
		return ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrTemporary), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}
