package scheduler

import (
	"context"
	"testing"

	"autotrader/internal/monitor"
	"autotrader/internal/settings"
)

type fakeSource struct{ all map[string]settings.TradingSettings }

func (f *fakeSource) All(ctx context.Context) (map[string]settings.TradingSettings, error) {
	return f.all, nil
}

type denyAll struct{}

func (denyAll) HasFeature(ctx context.Context, userID, feature string) (bool, error) {
	return false, nil
}
func (denyAll) Plan(ctx context.Context, userID string) (string, error) { return "free", nil }

func blockUntilCancelled(ctx context.Context) { <-ctx.Done() }

func userSettings(symbols ...string) settings.TradingSettings {
	return settings.TradingSettings{
		SpotEnabled:   true,
		SpotWatchlist: symbols,
		Exchange:      "binance",
	}
}

func newTestScheduler(src *fakeSource) (*Scheduler, *monitor.Registry) {
	reg := monitor.NewRegistry(nil, nil)
	factory := func(key monitor.Key) func(ctx context.Context) { return blockUntilCancelled }
	return New(src, reg, nil, factory, 0, nil), reg
}

func TestReconcileStartsDesiredTasks(t *testing.T) {
	src := &fakeSource{all: map[string]settings.TradingSettings{
		"u1": userSettings("BTCUSDT", "ETHUSDT"),
		"u2": {}, // disabled user contributes nothing
	}}
	s, reg := newTestScheduler(src)
	defer reg.StopAll()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := len(reg.Running()); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}
	if !reg.IsRunning(monitor.Key{UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT"}) {
		t.Error("BTCUSDT detector missing")
	}

	// A second pass is a no-op for already-running keys.
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if got := len(reg.Running()); got != 2 {
		t.Errorf("running after second pass = %d, want 2", got)
	}
}

func TestReconcileStopsDroppedSymbols(t *testing.T) {
	src := &fakeSource{all: map[string]settings.TradingSettings{
		"u1": userSettings("BTCUSDT", "ETHUSDT"),
	}}
	s, reg := newTestScheduler(src)
	defer reg.StopAll()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	src.all = map[string]settings.TradingSettings{"u1": userSettings("BTCUSDT")}
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if reg.IsRunning(monitor.Key{UserID: "u1", Exchange: "binance", Symbol: "ETHUSDT"}) {
		t.Error("dropped symbol still monitored")
	}
	if !reg.IsRunning(monitor.Key{UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT"}) {
		t.Error("kept symbol should stay running")
	}
}

func TestReconcileStopsDisabledUser(t *testing.T) {
	src := &fakeSource{all: map[string]settings.TradingSettings{
		"u1": userSettings("BTCUSDT"),
	}}
	s, reg := newTestScheduler(src)
	defer reg.StopAll()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	disabled := userSettings("BTCUSDT")
	disabled.SpotEnabled = false
	src.all = map[string]settings.TradingSettings{"u1": disabled}
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := len(reg.Running()); got != 0 {
		t.Errorf("running = %d, want 0 after user disabled", got)
	}
}

func TestSharedTaskForSymbolOnBothWatchlists(t *testing.T) {
	src := &fakeSource{all: map[string]settings.TradingSettings{
		"u1": {
			SpotEnabled:      true,
			FuturesEnabled:   true,
			SpotWatchlist:    []string{"BTCUSDT"},
			FuturesWatchlist: []string{"BTCUSDT"},
			Exchange:         "binance",
		},
	}}
	s, reg := newTestScheduler(src)
	defer reg.StopAll()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := len(reg.Running()); got != 1 {
		t.Errorf("running = %d, want one shared detector", got)
	}
}

func TestPlanWithoutAutoTradingIsNotMonitored(t *testing.T) {
	src := &fakeSource{all: map[string]settings.TradingSettings{
		"u1": userSettings("BTCUSDT"),
	}}
	reg := monitor.NewRegistry(nil, nil)
	factory := func(key monitor.Key) func(ctx context.Context) { return blockUntilCancelled }
	s := New(src, reg, denyAll{}, factory, 0, nil)
	defer reg.StopAll()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := len(reg.Running()); got != 0 {
		t.Errorf("running = %d, want 0 for gated user", got)
	}
}
