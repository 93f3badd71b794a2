package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner deletes archived data older than a cutoff.
type Pruner interface {
	DeleteOldTicks(ctx context.Context, before time.Time) (int64, error)
}

// MidnightPruner trims the tick archive once at startup and then at every
// UTC midnight, keeping Retention worth of history.
type MidnightPruner struct {
	Pruner    Pruner
	Retention time.Duration
	Logger    *zap.Logger

	now func() time.Time
}

// Start runs the pruning loop until ctx is cancelled.
func (m *MidnightPruner) Start(ctx context.Context) {
	go func() {
		m.runOnce(ctx)

		for {
			now := m.clock()
			timer := time.NewTimer(nextMidnight(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.runOnce(ctx)
			}
		}
	}()
}

func (m *MidnightPruner) runOnce(ctx context.Context) {
	cutoff := m.clock().Add(-m.Retention)

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	removed, err := m.Pruner.DeleteOldTicks(runCtx, cutoff)
	if err != nil {
		m.Logger.Warn("failed to prune tick archive", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	m.Logger.Info("pruned tick archive", zap.Time("cutoff", cutoff), zap.Int64("removed", removed))
}

func (m *MidnightPruner) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// nextMidnight returns the first UTC midnight strictly after t.
func nextMidnight(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
