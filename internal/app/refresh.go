package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/scheduler"
)

// Puller adapts the service to the scheduler: each cycle pushes pending
// changes, refreshes, and reports the outcome through done.
func (s *SyncService) Puller() scheduler.Puller {
	return func(ctx context.Context, done func(error)) {
		_, _, err := s.Sync(ctx)
		done(err)
	}
}

// LogListener logs refresh cycles. It is the listener the watch command
// registers to keep the scheduler armed.
type LogListener struct {
	Log logrus.FieldLogger
}

func (l *LogListener) OnRefreshRequested() {
	l.Log.Debug("Refresh requested")
}

func (l *LogListener) OnRefreshStarted() {
	l.Log.Debug("Refresh started")
}

func (l *LogListener) OnRefreshCompleted(ok bool) {
	if ok {
		l.Log.Info("Refresh succeeded")
		return
	}
	l.Log.Warn("Refresh failed; local changes are kept and retried")
}

var _ scheduler.Listener = (*LogListener)(nil)
