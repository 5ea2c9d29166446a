// Package expiry is the server-side authority that moves sessions and
// subscriptions out of ACTIVE once their expiry instant passes. Client
// countdowns are a display optimization; this monitor runs regardless of
// whether anyone is watching.
package expiry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/feed"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
)

const defaultSweepInterval = 5 * time.Second

// ErrInvalidMonitorConfig reports a missing dependency.
var ErrInvalidMonitorConfig = fmt.Errorf("invalid monitor config")

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(interval time.Duration) MonitorOption {
	return func(monitor *Monitor) {
		if interval > 0 {
			monitor.interval = interval
		}
	}
}

// WithLogger wires a logger for sweep outcomes.
func WithLogger(logger *zap.Logger) MonitorOption {
	return func(monitor *Monitor) {
		monitor.logger = logger
	}
}

// SweepResult reports one sweep's transitions.
type SweepResult struct {
	ExpiredSessionIDs      []string
	ExpiredSubscriptionIDs []string
}

// Monitor periodically expires due sessions and subscriptions.
type Monitor struct {
	store    session.Store
	bus      feed.Bus
	nowFn    func() int64
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor wires a Monitor.
func NewMonitor(store session.Store, bus feed.Bus, now func() int64, options ...MonitorOption) (*Monitor, error) {
	if store == nil || bus == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidMonitorConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	monitor := &Monitor{
		store:    store,
		bus:      bus,
		nowFn:    now,
		interval: defaultSweepInterval,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(monitor)
		}
	}
	return monitor, nil
}

// SweepOnce expires everything due at the current instant. The store's
// compare-and-swap transition makes concurrent sweeps collapse to exactly
// one transition per record, so running two monitors is safe.
func (monitor *Monitor) SweepOnce(ctx context.Context) (SweepResult, error) {
	nowUnixUTC := monitor.nowFn()
	expiredSessions, err := monitor.store.ExpireDueSessions(ctx, nowUnixUTC)
	if err != nil {
		return SweepResult{}, err
	}
	for _, sessionID := range expiredSessions {
		// Wake feed subscribers so they observe the cutoff promptly.
		_ = monitor.bus.Publish(feed.SessionExpiredSubject, []byte(sessionID))
		_ = monitor.bus.Publish(feed.SessionMessagesSubject(sessionID), nil)
	}
	expiredSubscriptions, err := monitor.store.ExpireDueSubscriptions(ctx, nowUnixUTC)
	if err != nil {
		return SweepResult{ExpiredSessionIDs: expiredSessions}, err
	}
	return SweepResult{
		ExpiredSessionIDs:      expiredSessions,
		ExpiredSubscriptionIDs: expiredSubscriptions,
	}, nil
}

// Run sweeps on the configured interval until ctx ends.
func (monitor *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := monitor.SweepOnce(ctx)
			if err != nil {
				monitor.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if len(result.ExpiredSessionIDs) > 0 || len(result.ExpiredSubscriptionIDs) > 0 {
				monitor.logger.Info("expiry sweep",
					zap.Int("sessions_expired", len(result.ExpiredSessionIDs)),
					zap.Int("subscriptions_expired", len(result.ExpiredSubscriptionIDs)),
				)
			}
		}
	}
}
