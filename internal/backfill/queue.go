// Package backfill holds transactions whose log append failed after the
// balance mutation already succeeded, and replays them through the idempotent
// append until they land.
package backfill

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/leadloop/points/pkg/points"
)

// Queue is an in-memory pending-backfill buffer. Entries survive until a
// flush lands them; a process restart loses the window, which the ledger
// design explicitly tolerates in favor of never double-charging.
type Queue struct {
	mutex          sync.Mutex
	pending        []points.Transaction
	pendingCredits []creditRepair
	logger         *zap.Logger
}

// creditRepair is a compensating credit that could not be applied when a
// spend lost a same-key append race.
type creditRepair struct {
	userID points.UserID
	amount points.PositiveAmount
}

// New returns an empty queue. The logger may be nil.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{logger: logger}
}

// Enqueue records a transaction for later replay.
func (queue *Queue) Enqueue(_ context.Context, transaction points.Transaction) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	queue.pending = append(queue.pending, transaction)
	queue.logger.Warn("transaction queued for backfill",
		zap.String("transaction_id", transaction.ID),
		zap.String("user_id", transaction.UserID.String()),
		zap.Int64("amount", transaction.Amount.Int64()),
	)
}

// EnqueueCredit records a compensating credit for later replay.
func (queue *Queue) EnqueueCredit(_ context.Context, userID points.UserID, amount points.PositiveAmount) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	queue.pendingCredits = append(queue.pendingCredits, creditRepair{userID: userID, amount: amount})
	queue.logger.Warn("compensating credit queued for backfill",
		zap.String("user_id", userID.String()),
		zap.Int64("amount", amount.Int64()),
	)
}

// Size reports how many entries await replay.
func (queue *Queue) Size() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return len(queue.pending) + len(queue.pendingCredits)
}

// Flush replays every pending entry. Appends that report a duplicate key
// landed on an earlier attempt and are dropped; other failures keep the entry
// queued for the next flush. Compensating credits replay through Credit the
// same way. Returns how many entries were cleared.
func (queue *Queue) Flush(ctx context.Context, store points.Store) int {
	queue.mutex.Lock()
	pending := queue.pending
	pendingCredits := queue.pendingCredits
	queue.pending = nil
	queue.pendingCredits = nil
	queue.mutex.Unlock()

	cleared := 0
	var remaining []points.Transaction
	for _, transaction := range pending {
		if err := appendIdempotent(ctx, store, transaction); err != nil {
			queue.logger.Warn("backfill append failed",
				zap.String("transaction_id", transaction.ID),
				zap.Error(err),
			)
			remaining = append(remaining, transaction)
			continue
		}
		cleared++
	}
	var remainingCredits []creditRepair
	for _, repair := range pendingCredits {
		if _, err := store.Credit(ctx, repair.userID, repair.amount); err != nil {
			queue.logger.Warn("backfill credit failed",
				zap.String("user_id", repair.userID.String()),
				zap.Error(err),
			)
			remainingCredits = append(remainingCredits, repair)
			continue
		}
		cleared++
	}
	if len(remaining) > 0 || len(remainingCredits) > 0 {
		queue.mutex.Lock()
		queue.pending = append(remaining, queue.pending...)
		queue.pendingCredits = append(remainingCredits, queue.pendingCredits...)
		queue.mutex.Unlock()
	}
	return cleared
}

func appendIdempotent(ctx context.Context, store points.Store, transaction points.Transaction) error {
	_, err := store.AppendTransaction(ctx, transaction)
	if err == nil {
		return nil
	}
	if errors.Is(err, points.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}
