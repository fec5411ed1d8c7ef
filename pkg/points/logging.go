package points

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Amount         int64
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithBackfillQueue wires the queue receiving transactions whose log append
// failed after a successful balance mutation.
func WithBackfillQueue(queue BackfillQueue) ServiceOption {
	return func(service *Service) {
		service.backfill = queue
	}
}

// WithRetryPolicy bounds the internal retries performed when the store
// reports a lost conditional-update race.
func WithRetryPolicy(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
		if backoff >= 0 {
			service.retryBackoff = backoff
		}
	}
}

// WithSignupGrant sets the credits granted when a balance row is first
// provisioned through Bootstrap.
func WithSignupGrant(grant Credits) ServiceOption {
	return func(service *Service) {
		service.signupGrant = grant
	}
}
