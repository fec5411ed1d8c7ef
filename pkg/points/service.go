package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the ledger logic over a Store. It is the only component
// allowed to mutate balances or the transaction log.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	backfill      BackfillQueue
	retryAttempts int
	retryBackoff  time.Duration
	signupGrant   Credits
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		retryAttempts: defaultRetryAttempts,
		retryBackoff:  defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Spend atomically verifies and debits the user's balance, then records a
// spend transaction under the caller's idempotency key. A replayed key
// returns the originally recorded post-state without debiting again. A failed
// log append after a successful debit does not fail the operation: the
// balance mutation is authoritative and the missing row is queued for
// backfill.
func (service *Service) Spend(ctx context.Context, userID UserID, amount PositiveAmount, description Description, idempotencyKey IdempotencyKey, references ReferenceIDs) (Balance, error) {
	if idempotencyKey.IsZero() {
		return Balance{}, fmt.Errorf("%w: spend requires a caller-supplied key", ErrInvalidIdempotencyKey)
	}
	existing, found, err := service.store.FindTransactionByKey(ctx, userID, idempotencyKey)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: err})
		return Balance{}, err
	}
	if found {
		service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Status: operationStatusReplayed})
		return Balance{Credits: existing.BalanceAfter, UpdatedUnixUTC: existing.CreatedUnixUTC}, nil
	}

	var balance Balance
	operationError := service.withConflictRetry(ctx, func() error {
		debited, debitError := service.store.TryDebit(ctx, userID, amount)
		if debitError != nil {
			return debitError
		}
		balance = debited
		return nil
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: operationError})
		return Balance{}, operationError
	}

	transaction := Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Action:         ActionSpend,
		Amount:         amount.Negated(),
		Description:    description,
		References:     references,
		BalanceAfter:   balance.Credits,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: service.nowFn(),
	}
	recorded, appendError := service.store.AppendTransaction(ctx, transaction)
	if errors.Is(appendError, ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key landed between the replay
		// check and our debit. Compensate the extra debit and answer with the
		// recorded post-state.
		compensateError := service.withConflictRetry(ctx, func() error {
			_, creditError := service.store.Credit(ctx, userID, amount)
			return creditError
		})
		if compensateError != nil {
			service.enqueueCreditRepair(ctx, userID, amount)
			service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: compensateError})
		}
		service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Status: operationStatusReplayed})
		return Balance{Credits: recorded.BalanceAfter, UpdatedUnixUTC: recorded.CreatedUnixUTC}, nil
	}
	if appendError != nil {
		service.enqueueBackfill(ctx, transaction)
	}
	service.logOperation(ctx, OperationLog{Operation: operationSpend, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey})
	return balance, nil
}

// Earn credits the user's balance and records the transaction as one unit.
// The source must belong to the earn family (earn, purchase, subscription,
// refund, referral_reward). When the caller supplies no idempotency key one
// is generated server-side.
func (service *Service) Earn(ctx context.Context, userID UserID, amount PositiveAmount, description Description, source ActionType, idempotencyKey IdempotencyKey, references ReferenceIDs) (Balance, error) {
	if !source.CreditsBalance() {
		return Balance{}, fmt.Errorf("%w: %q is not an earn source", ErrInvalidActionType, source)
	}
	if idempotencyKey.IsZero() {
		generated, keyError := NewIdempotencyKey(generatedKeyPrefixEarn + uuid.NewString())
		if keyError != nil {
			return Balance{}, keyError
		}
		idempotencyKey = generated
	}
	existing, found, err := service.store.FindTransactionByKey(ctx, userID, idempotencyKey)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: err})
		return Balance{}, err
	}
	if found {
		service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Status: operationStatusReplayed})
		return Balance{Credits: existing.BalanceAfter, UpdatedUnixUTC: existing.CreatedUnixUTC}, nil
	}

	var balance Balance
	operationError := service.withConflictRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			credited, creditError := transactionStore.Credit(ctx, userID, amount)
			if creditError != nil {
				return creditError
			}
			_, appendError := transactionStore.AppendTransaction(ctx, Transaction{
				ID:             uuid.NewString(),
				UserID:         userID,
				Action:         source,
				Amount:         amount.Signed(),
				Description:    description,
				References:     references,
				BalanceAfter:   credited.Credits,
				IdempotencyKey: idempotencyKey,
				CreatedUnixUTC: service.nowFn(),
			})
			if appendError != nil {
				return appendError
			}
			balance = credited
			return nil
		})
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost a same-key race; the credit rolled back with the transaction.
		recorded, found, lookupError := service.store.FindTransactionByKey(ctx, userID, idempotencyKey)
		if lookupError != nil || !found {
			service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: operationError})
			return Balance{}, operationError
		}
		service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Status: operationStatusReplayed})
		return Balance{Credits: recorded.BalanceAfter, UpdatedUnixUTC: recorded.CreatedUnixUTC}, nil
	}
	if operationError != nil {
		service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey, Error: operationError})
		return Balance{}, operationError
	}
	service.logOperation(ctx, OperationLog{Operation: operationEarn, UserID: userID, Amount: amount.Int64(), IdempotencyKey: idempotencyKey})
	return balance, nil
}

// Bootstrap provisions the user's balance row, applying the configured
// signup grant exactly once. Safe to call repeatedly.
func (service *Service) Bootstrap(ctx context.Context, userID UserID) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ensured, created, ensureError := transactionStore.EnsureAccount(ctx, userID, service.signupGrant)
		if ensureError != nil {
			return ensureError
		}
		balance = ensured
		if !created || service.signupGrant <= 0 {
			return nil
		}
		grantKey, keyError := NewIdempotencyKey(generatedKeyPrefixBootstrap + userID.String())
		if keyError != nil {
			return keyError
		}
		description, descriptionError := NewDescription("signup grant")
		if descriptionError != nil {
			return descriptionError
		}
		_, appendError := transactionStore.AppendTransaction(ctx, Transaction{
			ID:             uuid.NewString(),
			UserID:         userID,
			Action:         ActionEarn,
			Amount:         SignedAmount(service.signupGrant.Int64()),
			Description:    description,
			BalanceAfter:   ensured.Credits,
			IdempotencyKey: grantKey,
			CreatedUnixUTC: service.nowFn(),
		})
		return appendError
	})
	service.logOperation(ctx, OperationLog{Operation: operationBootstrap, UserID: userID, Amount: service.signupGrant.Int64(), Error: operationError})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// GetBalance returns the authoritative balance snapshot.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	return service.store.GetBalance(ctx, userID)
}

// ListTransactions lists the user's transactions, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter, page Page) ([]Transaction, int64, error) {
	return service.store.ListTransactions(ctx, userID, filter, page)
}

// Summarize aggregates signed amounts by action family for reporting.
func (service *Service) Summarize(ctx context.Context, userID UserID) (Summary, error) {
	return service.store.Summarize(ctx, userID)
}

// withConflictRetry re-runs fn while the store keeps reporting a lost
// conditional-update race, with linear backoff between attempts. Conflicts
// never reach the caller as such: exhausted retries surface as a wrapped
// internal error.
func (service *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var lastError error
	for attempt := 1; attempt <= service.retryAttempts; attempt++ {
		lastError = fn()
		if lastError == nil || !errors.Is(lastError, ErrConflict) {
			return lastError
		}
		if attempt == service.retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(service.retryBackoff * time.Duration(attempt)):
		}
	}
	return WrapError("service", "retry", "attempts_exhausted", lastError)
}

func (service *Service) enqueueBackfill(ctx context.Context, transaction Transaction) {
	if service.backfill == nil {
		return
	}
	service.backfill.Enqueue(ctx, transaction)
}

func (service *Service) enqueueCreditRepair(ctx context.Context, userID UserID, amount PositiveAmount) {
	if service.backfill == nil {
		return
	}
	service.backfill.EnqueueCredit(ctx, userID, amount)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
