// Package scheduler reconciles the desired monitoring set against running
// detector tasks.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"autotrader/internal/monitor"
	"autotrader/internal/settings"
	"autotrader/internal/subscription"
)

// SettingsSource lists every user's settings per cycle.
type SettingsSource interface {
	All(ctx context.Context) (map[string]settings.TradingSettings, error)
}

// DetectorFactory builds the run function for a new detector task.
type DetectorFactory func(key monitor.Key) func(ctx context.Context)

// Scheduler drives the reconciliation loop. It never restarts a task that is
// already running for its key; the registry key is the sole deduplication
// mechanism, and a symbol on both watchlists shares one detector.
type Scheduler struct {
	settings SettingsSource
	registry *monitor.Registry
	gate     subscription.Checker
	factory  DetectorFactory
	log      *zap.SugaredLogger

	interval time.Duration
	cron     *cron.Cron
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func New(src SettingsSource, reg *monitor.Registry, gate subscription.Checker, factory DetectorFactory, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if gate == nil {
		gate = subscription.AllowAll{}
	}
	return &Scheduler{
		settings: src,
		registry: reg,
		gate:     gate,
		factory:  factory,
		interval: interval,
		log:      log,
	}
}

// Start reconciles once immediately and then on the fixed cron cadence.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	if err := s.Reconcile(s.baseCtx); err != nil {
		s.log.Warnw("initial reconcile failed", "error", err)
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if err := s.Reconcile(s.baseCtx); err != nil {
			s.log.Warnw("reconcile failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	s.cron.Start()
	s.log.Infow("scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the loop and cancels every running detector.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.registry.StopAll()
	s.log.Infow("scheduler stopped")
}

// Reconcile computes the desired task set from settings and starts or stops
// detectors to match it.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	all, err := s.settings.All(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	desired := make(map[monitor.Key]struct{})
	for userID, us := range all {
		if !us.Enabled() {
			continue
		}
		allowed, err := s.gate.HasFeature(ctx, userID, subscription.FeatureAutoTrading)
		if err != nil {
			s.log.Warnw("feature gate check failed, leaving user untouched", "user_id", userID, "error", err)
			continue
		}
		if !allowed {
			if n := s.registry.StopUser(userID); n > 0 {
				s.log.Infow("stopped monitoring, plan lacks auto trading", "user_id", userID, "tasks", n)
			}
			continue
		}
		for _, symbol := range us.WatchlistUnion() {
			desired[monitor.Key{UserID: userID, Exchange: us.Exchange, Symbol: symbol}] = struct{}{}
		}
	}

	for key := range desired {
		if s.registry.IsRunning(key) {
			continue
		}
		if s.registry.Start(ctx, key, s.factory(key)) {
			s.log.Infow("detector launched", "key", key.String())
		}
	}

	for _, key := range s.registry.Running() {
		if _, want := desired[key]; !want {
			s.registry.Stop(key)
			s.log.Infow("detector stopped, no longer desired", "key", key.String())
		}
	}
	return nil
}
