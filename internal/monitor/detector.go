package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/events"
	"autotrader/internal/indicators"
	"autotrader/internal/settings"
	"autotrader/internal/trade"
	"autotrader/pkg/exchanges/common"
	"autotrader/pkg/store"
)

// candlePadding is the extra history fetched beyond the EMA period so the
// seed value's influence is amortized.
const candlePadding = 20

// SettingsSource reloads the user's settings each tick.
type SettingsSource interface {
	Get(ctx context.Context, userID string) (settings.TradingSettings, error)
}

// TradeExecutor is the slice of the trade manager the detector drives.
type TradeExecutor interface {
	CreateOrder(ctx context.Context, req trade.CreateOrderRequest) (*trade.Trade, error)
	OpenTradeExists(ctx context.Context, userID, exchange, symbol string, isFutures bool) (bool, error)
}

// CredentialsSource resolves the user's API key for an exchange.
type CredentialsSource interface {
	Get(ctx context.Context, userID, exchange string) (common.Credentials, error)
}

// MarketData is the slice of the gateway the detector reads from.
type MarketData interface {
	GetKlines(ctx context.Context, exchange, symbol, interval string, limit int) ([]float64, error)
}

// Broadcaster publishes fired signals; events.Bus satisfies it.
type Broadcaster interface {
	Publish(e events.Event, payload any)
}

// Detector polls one (user, exchange, symbol) for EMA9/EMA21 crossovers and
// auto-trades the enabled watchlist sides.
type Detector struct {
	key           Key
	checkInterval time.Duration

	settings SettingsSource
	trades   TradeExecutor
	creds    CredentialsSource
	market   MarketData
	store    store.Store
	bus      Broadcaster
	log      *zap.SugaredLogger

	now   func() time.Time
	newID func() string
}

// Config wires one detector; zero-value optional fields get defaults.
type Config struct {
	Key           Key
	CheckInterval time.Duration
	Settings      SettingsSource
	Trades        TradeExecutor
	Credentials   CredentialsSource
	Market        MarketData
	Store         store.Store
	Bus           Broadcaster
	Log           *zap.SugaredLogger
}

func NewDetector(cfg Config) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Detector{
		key:           cfg.Key,
		checkInterval: cfg.CheckInterval,
		settings:      cfg.Settings,
		trades:        cfg.Trades,
		creds:         cfg.Credentials,
		market:        cfg.Market,
		store:         cfg.Store,
		bus:           cfg.Bus,
		log:           cfg.Log.With("user_id", cfg.Key.UserID, "exchange", cfg.Key.Exchange, "symbol", cfg.Key.Symbol),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Run ticks until the context is cancelled or the user disables both trading
// sides, in which case the detector stops itself.
func (d *Detector) Run(ctx context.Context) {
	d.log.Infow("detector started", "check_interval", d.checkInterval)
	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		if stop := d.Tick(ctx); stop {
			d.log.Infow("detector self-stopped, trading disabled")
			return
		}
		select {
		case <-ctx.Done():
			d.log.Infow("detector cancelled")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one crossover check. It returns true when the detector should
// stop. Errors are logged and swallowed so one bad tick never kills the task.
func (d *Detector) Tick(ctx context.Context) (stop bool) {
	// Settings are reloaded every tick; the user may have changed them.
	s, err := d.settings.Get(ctx, d.key.UserID)
	if err != nil {
		d.log.Warnw("settings reload failed, skipping tick", "error", err)
		return false
	}
	if !s.Enabled() {
		return true
	}

	ema9, ema21, price, err := d.computeEMAs(ctx, s.Interval)
	if err != nil {
		d.log.Warnw("ema computation failed, skipping tick", "error", err)
		return false
	}

	prev9, ok9 := d.previousEMA(ctx, s.Interval, 9)
	prev21, ok21 := d.previousEMA(ctx, s.Interval, 21)
	hasPrev := ok9 && ok21

	direction := indicators.DetectCrossover(prev9, prev21, ema9, ema21, hasPrev)

	// Cache the fresh values regardless of signal outcome.
	d.storeEMA(ctx, s.Interval, 9, ema9)
	d.storeEMA(ctx, s.Interval, 21, ema21)

	sig := &Signal{
		ID:        d.newID(),
		UserID:    d.key.UserID,
		Exchange:  d.key.Exchange,
		Symbol:    d.key.Symbol,
		Interval:  s.Interval,
		EMA9:      ema9,
		EMA21:     ema21,
		Direction: direction,
		Price:     price,
		Timestamp: d.now(),
	}

	if direction != indicators.DirectionNone {
		d.log.Infow("crossover detected",
			"direction", direction, "ema9", ema9, "ema21", ema21, "price", price)
		d.autoTrade(ctx, s, sig)
		if d.bus != nil {
			d.bus.Publish(events.EventSignal, sig)
		}
	}

	if err := d.store.Set(ctx, signalPath(d.key.UserID, sig.ID), sig); err != nil {
		d.log.Warnw("signal record not persisted", "signal_id", sig.ID, "error", err)
	}
	return false
}

// computeEMAs fetches one candle batch and derives both EMAs from it, the
// short one over a correspondingly shorter tail.
func (d *Detector) computeEMAs(ctx context.Context, interval string) (ema9, ema21, price float64, err error) {
	limit := 21 + candlePadding
	closes, err := d.market.GetKlines(ctx, d.key.Exchange, d.key.Symbol, interval, limit)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(closes) < 9+candlePadding {
		return 0, 0, 0, indicators.ErrNotEnoughData
	}

	tail := closes
	if len(tail) > 9+candlePadding {
		tail = tail[len(tail)-(9+candlePadding):]
	}
	if ema9, err = indicators.EMA(tail, 9); err != nil {
		return 0, 0, 0, err
	}
	if ema21, err = indicators.EMA(closes, 21); err != nil {
		return 0, 0, 0, err
	}
	return ema9, ema21, closes[len(closes)-1], nil
}

// previousEMA loads the cached value; missing or stale entries report !ok so
// the tick records state without signalling.
func (d *Detector) previousEMA(ctx context.Context, interval string, period int) (float64, bool) {
	var state EMAState
	err := d.store.Get(ctx, emaCachePath(d.key.UserID, d.key.Symbol, interval, period), &state)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		d.log.Warnw("ema cache read failed", "period", period, "error", err)
		return 0, false
	}
	if d.now().Sub(state.ComputedAt) > StaleAfter {
		d.log.Debugw("ignoring stale ema cache entry",
			"period", period, "computed_at", state.ComputedAt)
		return 0, false
	}
	return state.Value, true
}

func (d *Detector) storeEMA(ctx context.Context, interval string, period int, value float64) {
	state := EMAState{
		UserID:     d.key.UserID,
		Symbol:     d.key.Symbol,
		Interval:   interval,
		Period:     period,
		Value:      value,
		ComputedAt: d.now(),
	}
	if err := d.store.Set(ctx, emaCachePath(d.key.UserID, d.key.Symbol, interval, period), state); err != nil {
		d.log.Warnw("ema cache write failed", "period", period, "error", err)
	}
}

// autoTrade opens one order per enabled watchlist side, skipping a side that
// already holds an open trade for this symbol.
func (d *Detector) autoTrade(ctx context.Context, s settings.TradingSettings, sig *Signal) {
	side := "BUY"
	if sig.Direction == indicators.DirectionBearish {
		side = "SELL"
	}

	for _, futures := range []bool{false, true} {
		if futures && !s.OnFuturesWatchlist(d.key.Symbol) {
			continue
		}
		if !futures && !s.OnSpotWatchlist(d.key.Symbol) {
			continue
		}

		exists, err := d.trades.OpenTradeExists(ctx, d.key.UserID, d.key.Exchange, d.key.Symbol, futures)
		if err != nil {
			d.log.Warnw("open-trade check failed", "futures", futures, "error", err)
			continue
		}
		if exists {
			d.log.Infow("skipping auto-trade, open trade exists", "futures", futures)
			continue
		}

		creds, err := d.creds.Get(ctx, d.key.UserID, d.key.Exchange)
		if err != nil {
			d.log.Warnw("no usable credentials for auto-trade", "error", err)
			return
		}

		tr, err := d.trades.CreateOrder(ctx, trade.CreateOrderRequest{
			UserID:        d.key.UserID,
			Exchange:      d.key.Exchange,
			Credentials:   creds,
			Symbol:        d.key.Symbol,
			Side:          side,
			Amount:        s.DefaultAmount,
			Leverage:      s.DefaultLeverage,
			IsFutures:     futures,
			TakeProfitPct: s.DefaultTPPct,
			StopLossPct:   s.DefaultSLPct,
			ClientOrderID: autoClientOrderID(sig.ID, futures),
		})
		if err != nil {
			d.log.Errorw("auto-trade failed", "futures", futures, "side", side, "error", err)
			continue
		}
		sig.ActionTaken = true
		sig.TradeIDs = append(sig.TradeIDs, tr.ID)
		d.log.Infow("auto-trade executed",
			"trade_id", tr.ID, "futures", futures, "side", side, "entry", tr.EntryPrice)
		if d.bus != nil {
			d.bus.Publish(events.EventTradeOpened, tr)
		}
	}
}

// autoClientOrderID derives the idempotency key from the signal id, so a
// replayed tick for the same signal cannot double-order.
func autoClientOrderID(signalID string, futures bool) string {
	kind := "spot"
	if futures {
		kind = "fut"
	}
	return "auto_" + kind + "_" + strings.ReplaceAll(signalID, "-", "")[:16]
}
