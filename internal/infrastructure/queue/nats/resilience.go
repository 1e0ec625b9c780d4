package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/infrastructure/resilience"
)

// connectionErrors mean the event never reached the server; publishing again
// once the connection is back is safe because processing is idempotent per
// document id.
var connectionErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrConnectionReconnecting,
}

func isConnectionError(err error) bool {
	for _, target := range connectionErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classifyPublishError drives the executor for ingest event publishes.
// Rejected payloads and bad subjects are configuration faults and do not
// trip the breaker.
func classifyPublishError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case isConnectionError(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return resilience.ErrorClassification{}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// publishFailure maps a failed ingest event to a domain error so callers can
// tell an unreachable queue (retry the upload later) from a broken setup.
func publishFailure(documentID string, err error) error {
	op := fmt.Sprintf("publish ingest event for %s", documentID)
	switch {
	case resilience.IsCircuitOpen(err), isConnectionError(err):
		return domain.WrapError(domain.ErrTemporary, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrStageTimeout, op, err)
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return domain.WrapError(domain.ErrInvalidInput, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
