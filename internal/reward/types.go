package reward

import (
	"context"
	"fmt"
	"strings"

	"github.com/leadloop/points/pkg/points"
)

// Status defines the reward lifecycle: active until expired or consumed.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// ParseStatus validates a reward lifecycle state.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusActive, StatusExpired, StatusConsumed:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the wire form of the status.
func (status Status) String() string {
	return string(status)
}

// Type names the event that produced a reward, e.g. "referral_completed".
type Type struct {
	value string
}

// NewType validates and normalizes a reward type.
func NewType(raw string) (Type, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Type{}, fmt.Errorf("%w: empty value", ErrInvalidType)
	}
	return Type{value: trimmed}, nil
}

// String returns the normalized type.
func (rewardType Type) String() string {
	return rewardType.value
}

// Reward is a time-bounded credit grant tied to a triggering event. Records
// are historical: they are never deleted, only their status moves.
type Reward struct {
	ID              string
	UserID          points.UserID
	Type            Type
	Value           points.PositiveAmount
	Status          Status
	GrantedUnixUTC  int64
	ExpiresUnixUTC  int64
	ConsumedUnixUTC int64
}

// Store is the persistence contract for reward records.
type Store interface {
	CreateReward(ctx context.Context, reward Reward) error
	GetReward(ctx context.Context, rewardID string) (Reward, error)
	UpdateRewardStatus(ctx context.Context, rewardID string, from Status, to Status, atUnixUTC int64) error
	ExpireDueRewards(ctx context.Context, nowUnixUTC int64) (int64, error)
}
