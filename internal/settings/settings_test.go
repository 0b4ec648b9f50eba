package settings

import (
	"context"
	"testing"

	"autotrader/pkg/config"
	"autotrader/pkg/store"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRepo(st, config.BuiltinDefaults(), nil)
}

func TestGetMissingUserYieldsDisabledDefaults(t *testing.T) {
	r := newTestRepo(t)
	s, err := r.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Enabled() {
		t.Error("fresh settings should be disabled")
	}
	if s.Interval != "15m" || s.DefaultAmount != 10 || s.DefaultLeverage != 10 {
		t.Errorf("defaults not applied: %+v", s)
	}
	if s.Exchange != "binance" {
		t.Errorf("exchange = %q, want binance", s.Exchange)
	}
}

func TestSaveRoundTripAndAll(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	err := r.Save(ctx, TradingSettings{
		UserID:           "u1",
		SpotEnabled:      true,
		FuturesEnabled:   true,
		SpotWatchlist:    []string{"BTCUSDT", "ETHUSDT"},
		FuturesWatchlist: []string{"BTCUSDT", "SOLUSDT"},
		Exchange:         "bybit",
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s, err := r.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Exchange != "bybit" || !s.SpotEnabled {
		t.Errorf("round trip lost fields: %+v", s)
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}

	all, err := r.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("All len = %d, want 1", len(all))
	}
	if _, ok := all["u1"]; !ok {
		t.Errorf("All missing u1: %v", all)
	}
}

func TestWatchlistUnionAndMembership(t *testing.T) {
	s := TradingSettings{
		SpotEnabled:      true,
		FuturesEnabled:   true,
		SpotWatchlist:    []string{"BTCUSDT", "ETHUSDT"},
		FuturesWatchlist: []string{"BTCUSDT", "SOLUSDT"},
	}

	union := s.WatchlistUnion()
	if len(union) != 3 {
		t.Fatalf("union = %v, want 3 distinct symbols", union)
	}

	if !s.OnSpotWatchlist("ETHUSDT") || s.OnSpotWatchlist("SOLUSDT") {
		t.Error("spot membership wrong")
	}
	if !s.OnFuturesWatchlist("SOLUSDT") || s.OnFuturesWatchlist("ETHUSDT") {
		t.Error("futures membership wrong")
	}

	s.FuturesEnabled = false
	if s.OnFuturesWatchlist("BTCUSDT") {
		t.Error("disabled side should report no membership")
	}
}
