package reward

import "errors"

// Domain-level error values returned by the reward granter.
var (
	ErrInvalidType          = errors.New("invalid reward type")
	ErrInvalidStatus        = errors.New("invalid reward status")
	ErrInvalidGranterConfig = errors.New("invalid granter config")
	ErrUnknownReward        = errors.New("unknown reward")
	ErrRewardClosed         = errors.New("reward no longer active")
)
