package points

import (
	"context"
	"fmt"
	"strings"
)

// Credits is a non-negative per-user balance.
type Credits int64

// PositiveAmount is a strictly positive number of credits, as supplied by callers.
type PositiveAmount int64

// SignedAmount is the amount recorded on a transaction: negative for spends,
// positive for every earn-family action.
type SignedAmount int64

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for retried requests.
type IdempotencyKey struct {
	value string
}

// Description is a short human-readable reason attached to a transaction.
type Description struct {
	value string
}

// ActionType enumerates transaction kinds.
type ActionType string

const (
	ActionSpend          ActionType = "spend"
	ActionEarn           ActionType = "earn"
	ActionPurchase       ActionType = "purchase"
	ActionSubscription   ActionType = "subscription"
	ActionRefund         ActionType = "refund"
	ActionReferralReward ActionType = "referral_reward"
)

// ReferenceIDs links a transaction back to the entities that caused it.
type ReferenceIDs struct {
	LeadID     string `json:"lead_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID             string
	UserID         UserID
	Action         ActionType
	Amount         SignedAmount
	Description    Description
	References     ReferenceIDs
	BalanceAfter   Credits
	IdempotencyKey IdempotencyKey
	CreatedUnixUTC int64
}

// Balance is the authoritative per-user balance view.
type Balance struct {
	Credits        Credits
	UpdatedUnixUTC int64
}

// Summary aggregates signed transaction amounts by action family. It is a
// reporting view; the balance row stays authoritative.
type Summary struct {
	TotalSpent     int64
	TotalEarned    int64
	TotalPurchased int64
}

// TransactionFilter narrows a listing. Zero values leave a dimension unbounded.
type TransactionFilter struct {
	Action      ActionType
	FromUnixUTC int64
	ToUnixUTC   int64
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewDescription validates a transaction description. Empty descriptions are
// permitted; oversized ones are not.
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: trimmed}, nil
}

// String returns the normalized description.
func (description Description) String() string {
	return description.value
}

// NewCredits validates a balance value and ensures it is non-negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// Int64 returns the raw balance.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount as a negative signed transaction amount.
func (amount PositiveAmount) Negated() SignedAmount {
	return SignedAmount(-int64(amount))
}

// Signed returns the amount as a positive signed transaction amount.
func (amount PositiveAmount) Signed() SignedAmount {
	return SignedAmount(int64(amount))
}

// Int64 returns the raw signed amount.
func (amount SignedAmount) Int64() int64 {
	return int64(amount)
}

// ParseActionType validates a transaction kind.
func ParseActionType(raw string) (ActionType, error) {
	switch ActionType(raw) {
	case ActionSpend, ActionEarn, ActionPurchase, ActionSubscription, ActionRefund, ActionReferralReward:
		return ActionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActionType, raw)
}

// String returns the wire form of the action type.
func (action ActionType) String() string {
	return string(action)
}

// CreditsBalance reports whether the action type belongs to the earn family,
// i.e. records a positive amount.
func (action ActionType) CreditsBalance() bool {
	switch action {
	case ActionEarn, ActionPurchase, ActionSubscription, ActionRefund, ActionReferralReward:
		return true
	}
	return false
}

// IsZero reports whether no reference is set.
func (references ReferenceIDs) IsZero() bool {
	return references == ReferenceIDs{}
}

// NewPage normalizes pagination bounds. A zero limit becomes the default;
// limits above the cap are rejected rather than silently clamped.
func NewPage(limit int, offset int) (Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		return Page{}, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidListLimit, limit, maxListLimit)
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: negative offset", ErrInvalidListLimit)
	}
	return Page{Limit: limit, Offset: offset}, nil
}

// Store is the persistence contract used by Service.
//
// TryDebit must be a single atomic conditional mutation: it decrements only
// when the balance covers the amount, and never lets the balance go negative
// regardless of concurrent callers. Lost races surface as ErrConflict and are
// retried inside Service.
//
// AppendTransaction never duplicates a row: appending under an existing
// (user, idempotency key) pair returns the stored record together with
// ErrDuplicateIdempotencyKey, so transactional callers can roll back while
// replay-tolerant callers treat it as a no-op.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, userID UserID, initial Credits) (Balance, bool, error)
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	TryDebit(ctx context.Context, userID UserID, amount PositiveAmount) (Balance, error)
	Credit(ctx context.Context, userID UserID, amount PositiveAmount) (Balance, error)
	AppendTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	FindTransactionByKey(ctx context.Context, userID UserID, key IdempotencyKey) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter, page Page) ([]Transaction, int64, error)
	Summarize(ctx context.Context, userID UserID) (Summary, error)
}

// BackfillQueue receives the repair work of the asymmetric dual-write policy:
// transactions whose log append failed after the balance mutation already
// succeeded, re-appended asynchronously through the idempotent
// AppendTransaction, and compensating credits that could not be applied after
// a lost same-key append race, replayed through Credit.
type BackfillQueue interface {
	Enqueue(ctx context.Context, transaction Transaction)
	EnqueueCredit(ctx context.Context, userID UserID, amount PositiveAmount)
}
