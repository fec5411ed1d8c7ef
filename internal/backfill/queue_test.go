package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leadloop/points/pkg/points"
)

// appendOnlyStore implements points.Store for flush tests; only the append
// and credit paths are exercised by the queue.
type appendOnlyStore struct {
	mu             sync.Mutex
	appended       []points.Transaction
	credits        []int64
	failures       int
	failError      error
	creditFailures int
	creditError    error
}

func (store *appendOnlyStore) AppendTransaction(_ context.Context, transaction points.Transaction) (points.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failures > 0 {
		store.failures--
		return points.Transaction{}, store.failError
	}
	store.appended = append(store.appended, transaction)
	return transaction, nil
}

func (store *appendOnlyStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

func (store *appendOnlyStore) EnsureAccount(context.Context, points.UserID, points.Credits) (points.Balance, bool, error) {
	return points.Balance{}, false, nil
}

func (store *appendOnlyStore) GetBalance(context.Context, points.UserID) (points.Balance, error) {
	return points.Balance{}, nil
}

func (store *appendOnlyStore) TryDebit(context.Context, points.UserID, points.PositiveAmount) (points.Balance, error) {
	return points.Balance{}, nil
}

func (store *appendOnlyStore) Credit(_ context.Context, _ points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.creditFailures > 0 {
		store.creditFailures--
		return points.Balance{}, store.creditError
	}
	store.credits = append(store.credits, amount.Int64())
	return points.Balance{}, nil
}

func (store *appendOnlyStore) FindTransactionByKey(context.Context, points.UserID, points.IdempotencyKey) (points.Transaction, bool, error) {
	return points.Transaction{}, false, nil
}

func (store *appendOnlyStore) ListTransactions(context.Context, points.UserID, points.TransactionFilter, points.Page) ([]points.Transaction, int64, error) {
	return nil, 0, nil
}

func (store *appendOnlyStore) Summarize(context.Context, points.UserID) (points.Summary, error) {
	return points.Summary{}, nil
}

func queuedTransaction(t *testing.T, id string) points.Transaction {
	t.Helper()
	userID, err := points.NewUserID("user-1")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	key, err := points.NewIdempotencyKey("backfill-" + id)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return points.Transaction{
		ID:             id,
		UserID:         userID,
		Action:         points.ActionSpend,
		Amount:         points.SignedAmount(-5),
		IdempotencyKey: key,
		CreatedUnixUTC: 1700000000,
	}
}

func TestFlushClearsPendingEntries(t *testing.T) {
	t.Parallel()
	queue := New(nil)
	store := &appendOnlyStore{}
	for i := 0; i < 3; i++ {
		queue.Enqueue(context.Background(), queuedTransaction(t, fmt.Sprintf("txn-%d", i)))
	}

	cleared := queue.Flush(context.Background(), store)
	if cleared != 3 {
		t.Fatalf("expected 3 cleared entries, got %d", cleared)
	}
	if queue.Size() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Size())
	}
	if len(store.appended) != 3 {
		t.Fatalf("expected 3 appended transactions, got %d", len(store.appended))
	}
}

func TestFlushKeepsFailedEntriesQueued(t *testing.T) {
	t.Parallel()
	queue := New(nil)
	store := &appendOnlyStore{failures: 1, failError: errors.New("log shard down")}
	queue.Enqueue(context.Background(), queuedTransaction(t, "txn-a"))
	queue.Enqueue(context.Background(), queuedTransaction(t, "txn-b"))

	cleared := queue.Flush(context.Background(), store)
	if cleared != 1 {
		t.Fatalf("expected 1 cleared entry, got %d", cleared)
	}
	if queue.Size() != 1 {
		t.Fatalf("expected 1 entry retained, got %d", queue.Size())
	}

	cleared = queue.Flush(context.Background(), store)
	if cleared != 1 {
		t.Fatalf("expected retry to clear the remaining entry, got %d", cleared)
	}
	if queue.Size() != 0 {
		t.Fatalf("expected empty queue after retry, got %d", queue.Size())
	}
}

func TestFlushAppliesQueuedCreditRepairs(t *testing.T) {
	t.Parallel()
	queue := New(nil)
	store := &appendOnlyStore{}
	userID, err := points.NewUserID("user-1")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	amount, err := points.NewPositiveAmount(25)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	queue.EnqueueCredit(context.Background(), userID, amount)

	cleared := queue.Flush(context.Background(), store)
	if cleared != 1 {
		t.Fatalf("expected 1 cleared credit, got %d", cleared)
	}
	if queue.Size() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Size())
	}
	if len(store.credits) != 1 || store.credits[0] != 25 {
		t.Fatalf("expected a 25-credit repair applied, got %v", store.credits)
	}
}

func TestFlushKeepsFailedCreditRepairsQueued(t *testing.T) {
	t.Parallel()
	queue := New(nil)
	store := &appendOnlyStore{creditFailures: 1, creditError: errors.New("balance shard down")}
	userID, err := points.NewUserID("user-1")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	amount, err := points.NewPositiveAmount(10)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	queue.EnqueueCredit(context.Background(), userID, amount)

	if cleared := queue.Flush(context.Background(), store); cleared != 0 {
		t.Fatalf("expected failed repair to stay queued, cleared %d", cleared)
	}
	if queue.Size() != 1 {
		t.Fatalf("expected 1 repair retained, got %d", queue.Size())
	}

	if cleared := queue.Flush(context.Background(), store); cleared != 1 {
		t.Fatalf("expected retry to apply the repair, cleared %d", cleared)
	}
	if len(store.credits) != 1 || store.credits[0] != 10 {
		t.Fatalf("expected the 10-credit repair applied once, got %v", store.credits)
	}
}

func TestFlushTreatsDuplicateKeyAsLanded(t *testing.T) {
	t.Parallel()
	queue := New(nil)
	store := &appendOnlyStore{failures: 1, failError: fmt.Errorf("store: %w", points.ErrDuplicateIdempotencyKey)}
	queue.Enqueue(context.Background(), queuedTransaction(t, "txn-dup"))

	cleared := queue.Flush(context.Background(), store)
	if cleared != 1 {
		t.Fatalf("duplicate key means the entry already landed, expected 1 cleared, got %d", cleared)
	}
	if queue.Size() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Size())
	}
}
