// Package reward issues referral rewards on top of the points ledger and
// tracks each grant through an active/expired/consumed lifecycle.
package reward

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/leadloop/points/pkg/points"
)

const grantKeyPrefix = "reward:"

// Granter wraps the ledger's earn operation for referral completions.
type Granter struct {
	rewards Store
	ledger  *points.Service
	nowFn   func() int64
}

// NewGranter wires a Granter.
func NewGranter(rewards Store, ledger *points.Service, now func() int64) (*Granter, error) {
	if rewards == nil {
		return nil, fmt.Errorf("%w: reward store dependency is nil", ErrInvalidGranterConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidGranterConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidGranterConfig)
	}
	return &Granter{rewards: rewards, ledger: ledger, nowFn: now}, nil
}

// GrantReferralReward creates a reward record and credits its value through
// the ledger. A non-positive TTL produces a reward that is already expired:
// it is recorded for history but grants nothing and can never be consumed.
// The earn runs under an idempotency key derived from the reward id, so a
// retried grant of the same reward never double-credits.
func (granter *Granter) GrantReferralReward(ctx context.Context, userID points.UserID, rewardType Type, value points.PositiveAmount, ttlSeconds int64) (Reward, error) {
	nowUnixUTC := granter.nowFn()
	reward := Reward{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           rewardType,
		Value:          value,
		Status:         StatusActive,
		GrantedUnixUTC: nowUnixUTC,
		ExpiresUnixUTC: nowUnixUTC + ttlSeconds,
	}
	if ttlSeconds <= 0 {
		reward.Status = StatusExpired
		if err := granter.rewards.CreateReward(ctx, reward); err != nil {
			return Reward{}, err
		}
		return reward, nil
	}
	if err := granter.rewards.CreateReward(ctx, reward); err != nil {
		return Reward{}, err
	}
	if err := granter.applyReward(ctx, reward); err != nil {
		// The reward stays active; the expiry sweep closes it if the value is
		// never applied before the window ends.
		return Reward{}, err
	}
	reward.Status = StatusConsumed
	reward.ConsumedUnixUTC = granter.nowFn()
	return reward, nil
}

func (granter *Granter) applyReward(ctx context.Context, reward Reward) error {
	earnKey, err := points.NewIdempotencyKey(grantKeyPrefix + reward.ID)
	if err != nil {
		return err
	}
	description, err := points.NewDescription("referral reward " + reward.Type.String())
	if err != nil {
		return err
	}
	_, err = granter.ledger.Earn(ctx, reward.UserID, reward.Value, description, points.ActionReferralReward, earnKey, points.ReferenceIDs{})
	if err != nil {
		return err
	}
	return granter.rewards.UpdateRewardStatus(ctx, reward.ID, StatusActive, StatusConsumed, granter.nowFn())
}

// ExpireDueRewards flips every active reward whose window has passed to
// expired. Run periodically by the scheduler; returns how many rows moved.
func (granter *Granter) ExpireDueRewards(ctx context.Context) (int64, error) {
	return granter.rewards.ExpireDueRewards(ctx, granter.nowFn())
}

// GetReward returns a reward record, applying the on-access expiry check.
func (granter *Granter) GetReward(ctx context.Context, rewardID string) (Reward, error) {
	reward, err := granter.rewards.GetReward(ctx, rewardID)
	if err != nil {
		return Reward{}, err
	}
	if reward.Status == StatusActive && granter.nowFn() > reward.ExpiresUnixUTC {
		if err := granter.rewards.UpdateRewardStatus(ctx, reward.ID, StatusActive, StatusExpired, granter.nowFn()); err != nil {
			return Reward{}, err
		}
		reward.Status = StatusExpired
	}
	return reward, nil
}
