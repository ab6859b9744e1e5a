// Package supervisor implements the Self-Healing Supervisor (C11): a
// once-a-minute reconciliation task that keeps the Exit Monitor's
// in-memory `mon_set` aligned with the Position Store's `db_set` of
// live positions, and forces a restart whenever any position has
// overrun its planned close time plus its one-time extension window.
// Grounded on the teacher's internal/circuit/breaker.go reconciliation
// shape (periodic counter/state check on a ticker, mutex-guarded state,
// notify-on-transition) combined with internal/order/manager.go's
// one-map-one-writer bookkeeping, narrowed to the single invariant spec
// §4.5 names: mon_set must eventually contain every live position.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

// heartbeatInterval is how often a no-op tick still logs a summary line
// when reconciliation found nothing to fix.
const heartbeatInterval = 10 * time.Minute

// extensionWindow bounds how long a position may run past its planned
// close time before it counts toward timeout_set, mirroring the Exit
// Monitor's one-time extension grant.
const extensionWindow = 30 * time.Minute

// gracefulUnwind is how long a cancelled monitor task is given to exit
// before the supervisor proceeds without waiting further (spec §5:
// "tasks are given up to 5 seconds to unwind").
const gracefulUnwind = 5 * time.Second

// PositionStore is the subset of storage.PositionRepository the
// Supervisor needs: the live/building id set and the timed-out id set.
type PositionStore interface {
	LiveIDs(ctx context.Context, accountID string) (map[string]struct{}, error)
	TimedOutIDs(ctx context.Context, accountID string, extension time.Duration) ([]string, error)
	Open(ctx context.Context, accountID string) ([]*storage.Position, error)
}

// Monitor is the subset of exitmonitor.Monitor the Supervisor drives.
type Monitor interface {
	Register(ctx context.Context, pos *storage.Position)
	RunningIDs() map[string]struct{}
	StopAll()
}

// Notifier is the fan-out notification sink; satisfied by
// *notification.Manager.
type Notifier interface {
	SendError(title, message string) error
}

// Supervisor reconciles one account's monitor set against its store.
type Supervisor struct {
	accountID string
	interval  time.Duration

	positions PositionStore
	monitor   Monitor
	notifier  Notifier
	logger    *logging.Logger

	lastHeartbeat time.Time
}

// New builds a Supervisor for one account. interval defaults to 60s
// (spec §4.5: "a task that fires once per minute") when zero or
// negative.
func New(accountID string, positions PositionStore, monitor Monitor, notifier Notifier, interval time.Duration, logger *logging.Logger) *Supervisor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Supervisor{
		accountID: accountID,
		interval:  interval,
		positions: positions,
		monitor:   monitor,
		notifier:  notifier,
		logger:    logger.WithComponent("supervisor").WithAccount(accountID),
	}
}

// Run blocks, reconciling every interval until ctx is cancelled. The
// first reconciliation fires immediately so a fresh process restores
// monitor coverage before the first minute-long wait.
func (s *Supervisor) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one reconciliation pass: compare db_set against
// mon_set, compute timeout_set, and restart every monitor on any
// mismatch (spec §4.5 steps 1-5).
func (s *Supervisor) tick(ctx context.Context) {
	dbSet, err := s.positions.LiveIDs(ctx, s.accountID)
	if err != nil {
		s.logger.WithError(err).Warn("failed to load live position set")
		return
	}

	monSet := s.monitor.RunningIDs()

	timeoutSet, err := s.positions.TimedOutIDs(ctx, s.accountID, extensionWindow)
	if err != nil {
		s.logger.WithError(err).Warn("failed to load timed-out position set")
		return
	}

	if setsEqual(dbSet, monSet) && len(timeoutSet) == 0 {
		s.maybeHeartbeat(len(dbSet))
		return
	}

	s.restart(ctx, dbSet, monSet, timeoutSet)
}

// restart cancels every running monitor task, waits briefly for a
// graceful unwind, clears the map, and re-registers a fresh monitor for
// every position currently open. Building positions are not re-registered;
// they stay in the Exit Monitor's building set, which StopAll leaves as is.
func (s *Supervisor) restart(ctx context.Context, dbSet, monSet map[string]struct{}, timeoutSet []string) {
	log := s.logger.WithField("db_count", len(dbSet)).WithField("mon_count", len(monSet)).WithField("timeout_count", len(timeoutSet))
	log.Warn("monitor set drift detected, restarting monitor subsystem")

	s.monitor.StopAll()
	time.Sleep(gracefulUnwind)

	positions, err := s.positions.Open(ctx, s.accountID)
	if err != nil {
		log.WithError(err).Error("failed to reload open positions for restart")
		return
	}

	for _, pos := range positions {
		s.monitor.Register(ctx, pos)
	}

	s.lastHeartbeat = time.Now()
	log.WithField("restarted", len(positions)).Info("monitor subsystem restarted")

	if s.notifier != nil {
		text := fmt.Sprintf("supervisor restarted monitor subsystem for %s: %d positions resumed", s.accountID, len(positions))
		go func() {
			if err := s.notifier.SendError("supervisor restart", text); err != nil {
				log.WithError(err).Warn("restart notification failed")
			}
		}()
	}
}

// maybeHeartbeat logs a summary line roughly every heartbeatInterval
// when reconciliation found nothing to fix (spec §4.5 step 5).
func (s *Supervisor) maybeHeartbeat(liveCount int) {
	now := time.Now()
	if !s.lastHeartbeat.IsZero() && now.Sub(s.lastHeartbeat) < heartbeatInterval {
		return
	}
	s.lastHeartbeat = now
	s.logger.WithField("live_positions", liveCount).Info("supervisor heartbeat: monitor set in sync")
}

// setsEqual reports whether two id sets contain exactly the same keys.
func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
