package points

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-1": 10})
	service := mustNewService(t, store)
	userID := mustUserID(t, "user-1")

	amount := mustAmount(t, 7)
	keys := []IdempotencyKey{mustKey(t, "race-0"), mustKey(t, "race-1")}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = service.Spend(context.Background(), userID, amount, Description{}, keys[slot], ReferenceIDs{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("loser must see ErrInsufficientBalance, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one of two 7-credit spends on a 10-credit balance may win, got %d", succeeded)
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Credits.Int64() != 3 {
		t.Fatalf("expected final balance 3, got %d", balance.Credits.Int64())
	}
}

func TestManyConcurrentSpendsPreserveConservation(t *testing.T) {
	t.Parallel()
	const (
		initialCredits = 100
		spenderCount   = 40
		spendAmount    = 7
	)
	store := newStubStore(map[string]int64{"user-1": initialCredits})
	service := mustNewService(t, store)
	userID := mustUserID(t, "user-1")

	amount := mustAmount(t, spendAmount)
	keys := make([]IdempotencyKey, spenderCount)
	for i := range keys {
		keys[i] = mustKey(t, fmt.Sprintf("swarm-%d", i))
	}

	var wg sync.WaitGroup
	results := make([]error, spenderCount)
	for i := 0; i < spenderCount; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = service.Spend(context.Background(), userID, amount, Description{}, keys[slot], ReferenceIDs{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected failure: %v", err)
		}
	}

	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got := balance.Credits.Int64(); got != initialCredits-int64(succeeded*spendAmount) {
		t.Fatalf("balance %d does not equal initial minus successful debits (%d wins)", got, succeeded)
	}
	if balance.Credits.Int64() < 0 {
		t.Fatalf("balance must never go negative, got %d", balance.Credits.Int64())
	}
	if store.transactionCount() != succeeded {
		t.Fatalf("expected %d recorded transactions, got %d", succeeded, store.transactionCount())
	}
}

func TestConcurrentSameKeySpendsDebitOnce(t *testing.T) {
	t.Parallel()
	store := newStubStore(map[string]int64{"user-1": 100})
	service := mustNewService(t, store)
	userID := mustUserID(t, "user-1")
	key := mustKey(t, "same-key")

	const callers = 8
	amount := mustAmount(t, 10)

	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = service.Spend(context.Background(), userID, amount, Description{}, key, ReferenceIDs{})
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			t.Fatalf("duplicate-key spends must all succeed as replays: %v", err)
		}
	}
	if store.transactionCount() != 1 {
		t.Fatalf("expected exactly one recorded transaction, got %d", store.transactionCount())
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Credits.Int64() != 90 {
		t.Fatalf("the key must debit exactly once, expected 90, got %d", balance.Credits.Int64())
	}
}
