// Package oplog adapts structured zap logging to the ledger operation
// callback contract.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/leadloop/points/pkg/points"
)

// ZapOperationLogger emits one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns a logger writing through the supplied zap
// instance. A nil instance falls back to a no-op logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements points.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry points.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
