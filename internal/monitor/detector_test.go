package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"autotrader/internal/events"
	"autotrader/internal/indicators"
	"autotrader/internal/settings"
	"autotrader/internal/trade"
	"autotrader/pkg/exchanges/common"
	"autotrader/pkg/store"
)

type fakeSettings struct{ s settings.TradingSettings }

func (f *fakeSettings) Get(ctx context.Context, userID string) (settings.TradingSettings, error) {
	return f.s, nil
}

type fakeTrades struct {
	created []trade.CreateOrderRequest
	open    map[bool]bool // futures flag -> open trade exists
}

func (f *fakeTrades) CreateOrder(ctx context.Context, req trade.CreateOrderRequest) (*trade.Trade, error) {
	f.created = append(f.created, req)
	return &trade.Trade{ID: "t-" + req.ClientOrderID, Status: trade.StatusOpen}, nil
}

func (f *fakeTrades) OpenTradeExists(ctx context.Context, userID, exchange, symbol string, isFutures bool) (bool, error) {
	return f.open[isFutures], nil
}

type fakeCreds struct{ err error }

func (f *fakeCreds) Get(ctx context.Context, userID, exchange string) (common.Credentials, error) {
	if f.err != nil {
		return common.Credentials{}, f.err
	}
	return common.Credentials{APIKey: "k", APISecret: "s"}, nil
}

type fakeMarket struct{ closes []float64 }

func (f *fakeMarket) GetKlines(ctx context.Context, exchange, symbol, interval string, limit int) ([]float64, error) {
	if f.closes != nil {
		return f.closes, nil
	}
	// Ascending series keeps the short EMA above the long one.
	closes := make([]float64, limit)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	return closes, nil
}

type harness struct {
	d      *Detector
	trades *fakeTrades
	store  store.Store
	bus    *events.Bus
	now    time.Time
}

func newHarness(t *testing.T, s settings.TradingSettings) *harness {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		trades: &fakeTrades{open: map[bool]bool{}},
		store:  st,
		bus:    events.NewBus(),
		now:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	h.d = NewDetector(Config{
		Key:         Key{UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT"},
		Settings:    &fakeSettings{s: s},
		Trades:      h.trades,
		Credentials: &fakeCreds{},
		Market:      &fakeMarket{},
		Store:       st,
		Bus:         h.bus,
	})
	h.d.now = func() time.Time { return h.now }
	return h
}

func enabledSettings() settings.TradingSettings {
	return settings.TradingSettings{
		UserID:           "u1",
		SpotEnabled:      true,
		FuturesEnabled:   true,
		SpotWatchlist:    []string{"BTCUSDT"},
		FuturesWatchlist: []string{"BTCUSDT"},
		Interval:         "15m",
		Exchange:         "binance",
		DefaultAmount:    100,
		DefaultLeverage:  10,
		DefaultTPPct:     5,
		DefaultSLPct:     2,
	}
}

// seedPrev plants cached EMA values as if a previous tick computed them.
func (h *harness) seedPrev(t *testing.T, ema9, ema21 float64, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	for period, value := range map[int]float64{9: ema9, 21: ema21} {
		state := EMAState{
			UserID: "u1", Symbol: "BTCUSDT", Interval: "15m",
			Period: period, Value: value, ComputedAt: h.now.Add(-age),
		}
		if err := h.store.Set(ctx, emaCachePath("u1", "BTCUSDT", "15m", period), state); err != nil {
			t.Fatalf("seed ema cache: %v", err)
		}
	}
}

func (h *harness) signals(t *testing.T) []Signal {
	t.Helper()
	rows, err := h.store.List(context.Background(), "ema_signals/u1")
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	var out []Signal
	for _, raw := range rows {
		var s Signal
		if err := json.Unmarshal(raw, &s); err != nil {
			t.Fatalf("unmarshal signal: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestFirstTickRecordsButNeverSignals(t *testing.T) {
	h := newHarness(t, enabledSettings())

	if stop := h.d.Tick(context.Background()); stop {
		t.Fatal("tick should not stop an enabled detector")
	}
	sigs := h.signals(t)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1 record even without crossover", len(sigs))
	}
	if sigs[0].Direction != indicators.DirectionNone {
		t.Errorf("direction = %q, want none on first tick", sigs[0].Direction)
	}
	if len(h.trades.created) != 0 {
		t.Errorf("orders = %d, want 0", len(h.trades.created))
	}

	// The tick still cached its EMAs for the next comparison.
	var state EMAState
	if err := h.store.Get(context.Background(), emaCachePath("u1", "BTCUSDT", "15m", 9), &state); err != nil {
		t.Fatalf("ema cache not written: %v", err)
	}
	if state.ComputedAt != h.now {
		t.Errorf("computed_at = %v, want %v", state.ComputedAt, h.now)
	}
}

func TestBullishCrossoverTradesBothSides(t *testing.T) {
	h := newHarness(t, enabledSettings())
	// Previously the short EMA was below; the ascending series puts it above.
	h.seedPrev(t, 90, 95, 10*time.Minute)

	ch, unsub := h.bus.Subscribe(events.EventSignal, 4)
	defer unsub()

	h.d.Tick(context.Background())

	if len(h.trades.created) != 2 {
		t.Fatalf("orders = %d, want spot and futures", len(h.trades.created))
	}
	var sawFutures, sawSpot bool
	for _, req := range h.trades.created {
		if req.Side != "BUY" {
			t.Errorf("side = %q, want BUY on bullish cross", req.Side)
		}
		if req.Amount != 100 || req.Leverage != 10 {
			t.Errorf("defaults not applied: %+v", req)
		}
		if req.IsFutures {
			sawFutures = true
		} else {
			sawSpot = true
		}
	}
	if !sawFutures || !sawSpot {
		t.Error("expected one spot and one futures order")
	}

	sigs := h.signals(t)
	if len(sigs) != 1 || !sigs[0].ActionTaken || len(sigs[0].TradeIDs) != 2 {
		t.Errorf("signal record = %+v, want action_taken with two trade ids", sigs)
	}

	select {
	case payload := <-ch:
		if payload.(*Signal).Direction != indicators.DirectionBullish {
			t.Errorf("broadcast direction = %v", payload.(*Signal).Direction)
		}
	default:
		t.Error("signal not broadcast")
	}
}

func TestStaleCacheSuppressesSignal(t *testing.T) {
	h := newHarness(t, enabledSettings())
	h.seedPrev(t, 90, 95, 2*time.Hour)

	h.d.Tick(context.Background())

	if len(h.trades.created) != 0 {
		t.Errorf("orders = %d, stale cache must not anchor a crossover", len(h.trades.created))
	}
	sigs := h.signals(t)
	if len(sigs) != 1 || sigs[0].Direction != indicators.DirectionNone {
		t.Errorf("signals = %+v, want one no-direction record", sigs)
	}
}

func TestOpenTradeSkipsOneSide(t *testing.T) {
	h := newHarness(t, enabledSettings())
	h.seedPrev(t, 90, 95, 10*time.Minute)
	h.trades.open[true] = true // futures position already open

	h.d.Tick(context.Background())

	if len(h.trades.created) != 1 {
		t.Fatalf("orders = %d, want 1 (futures skipped)", len(h.trades.created))
	}
	if h.trades.created[0].IsFutures {
		t.Error("the surviving order should be spot")
	}
}

func TestDisabledSettingsSelfStop(t *testing.T) {
	s := enabledSettings()
	s.SpotEnabled = false
	s.FuturesEnabled = false
	h := newHarness(t, s)

	if stop := h.d.Tick(context.Background()); !stop {
		t.Fatal("detector should self-stop when both sides are disabled")
	}
	if len(h.signals(t)) != 0 {
		t.Error("no signal record should be written on a self-stop tick")
	}
}

func TestCredentialFailureAbortsAutoTradeOnly(t *testing.T) {
	h := newHarness(t, enabledSettings())
	h.seedPrev(t, 90, 95, 10*time.Minute)
	h.d.creds = &fakeCreds{err: errors.New("credentials: none saved for exchange")}

	if stop := h.d.Tick(context.Background()); stop {
		t.Fatal("credential failure must not stop the detector")
	}
	if len(h.trades.created) != 0 {
		t.Errorf("orders = %d, want 0", len(h.trades.created))
	}
	// The signal is still recorded for history.
	if len(h.signals(t)) != 1 {
		t.Error("signal record missing")
	}
}
