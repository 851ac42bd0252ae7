package worker

import (
	"context"

	"go.uber.org/zap"
)

// Notifier reports operational problems to the fleet owner.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, accountID int64, msg string)

func (f NotifierFunc) Notify(ctx context.Context, accountID int64, msg string) {
	f(ctx, accountID, msg)
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, accountID int64, msg string) {
	if n.Log == nil {
		return
	}
	n.Log.Warn("owner notification", zap.Int64("account", accountID), zap.String("msg", msg))
}
