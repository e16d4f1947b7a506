// Package oplog adapts zap to the ledger's OperationLogger callback.
package oplog

import (
	"context"

	"github.com/synterhq/creditd/pkg/credits"
	"go.uber.org/zap"
)

// Logger emits one structured log line per ledger operation.
type Logger struct {
	base *zap.Logger
}

// New returns an operation logger writing through base.
func New(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

// LogOperation implements credits.OperationLogger. Denied spends are an
// expected outcome and stay at info; only infrastructure failures log as
// errors.
func (logger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.Action != "" {
		fields = append(fields, zap.String("action", entry.Action.String()))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Error("ledger operation failed", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
