package reward

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leadloop/points/pkg/points"
)

// memLedgerStore is a minimal in-memory points.Store backing the real ledger
// service in granter tests.
type memLedgerStore struct {
	balances     map[string]int64
	transactions []points.Transaction
	byKey        map[string]points.Transaction
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{
		balances: make(map[string]int64),
		byKey:    make(map[string]points.Transaction),
	}
}

func (store *memLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

func (store *memLedgerStore) EnsureAccount(_ context.Context, userID points.UserID, initial points.Credits) (points.Balance, bool, error) {
	if credits, ok := store.balances[userID.String()]; ok {
		return points.Balance{Credits: points.Credits(credits), UpdatedUnixUTC: 1}, false, nil
	}
	store.balances[userID.String()] = initial.Int64()
	return points.Balance{Credits: initial, UpdatedUnixUTC: 1}, true, nil
}

func (store *memLedgerStore) GetBalance(_ context.Context, userID points.UserID) (points.Balance, error) {
	credits, ok := store.balances[userID.String()]
	if !ok {
		return points.Balance{}, fmt.Errorf("mem: %w", points.ErrNotFound)
	}
	return points.Balance{Credits: points.Credits(credits), UpdatedUnixUTC: 1}, nil
}

func (store *memLedgerStore) TryDebit(_ context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	credits, ok := store.balances[userID.String()]
	if !ok {
		return points.Balance{}, fmt.Errorf("mem: %w", points.ErrNotFound)
	}
	if credits < amount.Int64() {
		return points.Balance{}, fmt.Errorf("mem: %w", points.ErrInsufficientBalance)
	}
	store.balances[userID.String()] = credits - amount.Int64()
	return points.Balance{Credits: points.Credits(credits - amount.Int64()), UpdatedUnixUTC: 1}, nil
}

func (store *memLedgerStore) Credit(_ context.Context, userID points.UserID, amount points.PositiveAmount) (points.Balance, error) {
	store.balances[userID.String()] += amount.Int64()
	return points.Balance{Credits: points.Credits(store.balances[userID.String()]), UpdatedUnixUTC: 1}, nil
}

func (store *memLedgerStore) AppendTransaction(_ context.Context, transaction points.Transaction) (points.Transaction, error) {
	key := transaction.UserID.String() + "/" + transaction.IdempotencyKey.String()
	if existing, ok := store.byKey[key]; ok {
		return existing, fmt.Errorf("mem: %w", points.ErrDuplicateIdempotencyKey)
	}
	store.transactions = append(store.transactions, transaction)
	store.byKey[key] = transaction
	return transaction, nil
}

func (store *memLedgerStore) FindTransactionByKey(_ context.Context, userID points.UserID, key points.IdempotencyKey) (points.Transaction, bool, error) {
	transaction, ok := store.byKey[userID.String()+"/"+key.String()]
	return transaction, ok, nil
}

func (store *memLedgerStore) ListTransactions(context.Context, points.UserID, points.TransactionFilter, points.Page) ([]points.Transaction, int64, error) {
	return store.transactions, int64(len(store.transactions)), nil
}

func (store *memLedgerStore) Summarize(context.Context, points.UserID) (points.Summary, error) {
	return points.Summary{}, nil
}

// memRewardStore is an in-memory reward Store with state-transition checks.
type memRewardStore struct {
	rewards map[string]Reward
}

func newMemRewardStore() *memRewardStore {
	return &memRewardStore{rewards: make(map[string]Reward)}
}

func (store *memRewardStore) CreateReward(_ context.Context, reward Reward) error {
	store.rewards[reward.ID] = reward
	return nil
}

func (store *memRewardStore) GetReward(_ context.Context, rewardID string) (Reward, error) {
	reward, ok := store.rewards[rewardID]
	if !ok {
		return Reward{}, fmt.Errorf("mem: %w", ErrUnknownReward)
	}
	return reward, nil
}

func (store *memRewardStore) UpdateRewardStatus(_ context.Context, rewardID string, from Status, to Status, atUnixUTC int64) error {
	reward, ok := store.rewards[rewardID]
	if !ok || reward.Status != from {
		return fmt.Errorf("mem: %w", ErrRewardClosed)
	}
	reward.Status = to
	if to == StatusConsumed {
		reward.ConsumedUnixUTC = atUnixUTC
	}
	store.rewards[rewardID] = reward
	return nil
}

func (store *memRewardStore) ExpireDueRewards(_ context.Context, nowUnixUTC int64) (int64, error) {
	var moved int64
	for id, reward := range store.rewards {
		if reward.Status == StatusActive && reward.ExpiresUnixUTC <= nowUnixUTC {
			reward.Status = StatusExpired
			store.rewards[id] = reward
			moved++
		}
	}
	return moved, nil
}

func newTestGranter(t *testing.T, rewards Store, ledgerStore points.Store, now func() int64) *Granter {
	t.Helper()
	ledger, err := points.NewService(ledgerStore, now)
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	granter, err := NewGranter(rewards, ledger, now)
	if err != nil {
		t.Fatalf("granter: %v", err)
	}
	return granter
}

func mustUserID(t *testing.T, raw string) points.UserID {
	t.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func mustType(t *testing.T, raw string) Type {
	t.Helper()
	rewardType, err := NewType(raw)
	if err != nil {
		t.Fatalf("reward type: %v", err)
	}
	return rewardType
}

func mustValue(t *testing.T, raw int64) points.PositiveAmount {
	t.Helper()
	value, err := points.NewPositiveAmount(raw)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	return value
}

func TestGrantReferralRewardCreditsAndConsumes(t *testing.T) {
	t.Parallel()
	ledgerStore := newMemLedgerStore()
	rewardStore := newMemRewardStore()
	granter := newTestGranter(t, rewardStore, ledgerStore, func() int64 { return 1700000000 })
	userID := mustUserID(t, "referrer-1")

	granted, err := granter.GrantReferralReward(context.Background(), userID, mustType(t, "referral_completed"), mustValue(t, 50), 3600)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if granted.Status != StatusConsumed {
		t.Fatalf("expected consumed reward, got %s", granted.Status)
	}
	if granted.ExpiresUnixUTC != 1700000000+3600 {
		t.Fatalf("unexpected expiry %d", granted.ExpiresUnixUTC)
	}

	balance, err := ledgerStore.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Credits.Int64() != 50 {
		t.Fatalf("expected credited balance 50, got %d", balance.Credits.Int64())
	}
	if len(ledgerStore.transactions) != 1 {
		t.Fatalf("expected 1 ledger transaction, got %d", len(ledgerStore.transactions))
	}
	transaction := ledgerStore.transactions[0]
	if transaction.Action != points.ActionReferralReward {
		t.Fatalf("expected referral_reward action, got %s", transaction.Action)
	}
	if transaction.IdempotencyKey.String() != "reward:"+granted.ID {
		t.Fatalf("earn key must derive from the reward id, got %q", transaction.IdempotencyKey.String())
	}

	stored, err := rewardStore.GetReward(context.Background(), granted.ID)
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if stored.Status != StatusConsumed {
		t.Fatalf("stored reward must be consumed, got %s", stored.Status)
	}
}

func TestGrantWithNonPositiveTTLRecordsExpiredWithoutCredit(t *testing.T) {
	t.Parallel()
	ledgerStore := newMemLedgerStore()
	rewardStore := newMemRewardStore()
	granter := newTestGranter(t, rewardStore, ledgerStore, func() int64 { return 1700000000 })
	userID := mustUserID(t, "referrer-2")

	granted, err := granter.GrantReferralReward(context.Background(), userID, mustType(t, "referral_completed"), mustValue(t, 50), 0)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if granted.Status != StatusExpired {
		t.Fatalf("expected expired reward, got %s", granted.Status)
	}
	if _, err := ledgerStore.GetBalance(context.Background(), userID); !errors.Is(err, points.ErrNotFound) {
		t.Fatalf("expired grant must not touch the ledger, got %v", err)
	}
	if len(ledgerStore.transactions) != 0 {
		t.Fatalf("expired grant must record no transaction, got %d", len(ledgerStore.transactions))
	}
}

func TestExpireDueRewardsSweepsStaleActives(t *testing.T) {
	t.Parallel()
	ledgerStore := newMemLedgerStore()
	rewardStore := newMemRewardStore()
	rewardStore.rewards["stale"] = Reward{
		ID:             "stale",
		Status:         StatusActive,
		ExpiresUnixUTC: 1699999000,
	}
	rewardStore.rewards["fresh"] = Reward{
		ID:             "fresh",
		Status:         StatusActive,
		ExpiresUnixUTC: 1700005000,
	}
	granter := newTestGranter(t, rewardStore, ledgerStore, func() int64 { return 1700000000 })

	moved, err := granter.ExpireDueRewards(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 expired reward, got %d", moved)
	}
	if rewardStore.rewards["stale"].Status != StatusExpired {
		t.Fatalf("stale reward must be expired, got %s", rewardStore.rewards["stale"].Status)
	}
	if rewardStore.rewards["fresh"].Status != StatusActive {
		t.Fatalf("fresh reward must stay active, got %s", rewardStore.rewards["fresh"].Status)
	}
}

func TestGetRewardFlipsOverdueActiveToExpired(t *testing.T) {
	t.Parallel()
	ledgerStore := newMemLedgerStore()
	rewardStore := newMemRewardStore()
	rewardStore.rewards["overdue"] = Reward{
		ID:             "overdue",
		Status:         StatusActive,
		ExpiresUnixUTC: 1699999999,
	}
	granter := newTestGranter(t, rewardStore, ledgerStore, func() int64 { return 1700000000 })

	reward, err := granter.GetReward(context.Background(), "overdue")
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if reward.Status != StatusExpired {
		t.Fatalf("overdue reward must read as expired, got %s", reward.Status)
	}
	if rewardStore.rewards["overdue"].Status != StatusExpired {
		t.Fatalf("flip must persist, got %s", rewardStore.rewards["overdue"].Status)
	}
}

func TestGetRewardUnknownID(t *testing.T) {
	t.Parallel()
	ledgerStore := newMemLedgerStore()
	rewardStore := newMemRewardStore()
	granter := newTestGranter(t, rewardStore, ledgerStore, func() int64 { return 1700000000 })

	if _, err := granter.GetReward(context.Background(), "missing"); !errors.Is(err, ErrUnknownReward) {
		t.Fatalf("expected ErrUnknownReward, got %v", err)
	}
}

func TestNewGranterRejectsNilDependencies(t *testing.T) {
	t.Parallel()
	ledger, err := points.NewService(newMemLedgerStore(), func() int64 { return 0 })
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	now := func() int64 { return 0 }

	if _, err := NewGranter(nil, ledger, now); !errors.Is(err, ErrInvalidGranterConfig) {
		t.Fatalf("expected ErrInvalidGranterConfig for nil store, got %v", err)
	}
	if _, err := NewGranter(newMemRewardStore(), nil, now); !errors.Is(err, ErrInvalidGranterConfig) {
		t.Fatalf("expected ErrInvalidGranterConfig for nil ledger, got %v", err)
	}
	if _, err := NewGranter(newMemRewardStore(), ledger, nil); !errors.Is(err, ErrInvalidGranterConfig) {
		t.Fatalf("expected ErrInvalidGranterConfig for nil clock, got %v", err)
	}
}
