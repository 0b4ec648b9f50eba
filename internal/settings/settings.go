// Package settings stores per-user auto-trading configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"autotrader/pkg/config"
	"autotrader/pkg/store"
)

// TradingSettings is the per-user auto-trading configuration. Last write wins;
// the scheduler and detectors reload it every cycle rather than caching it.
type TradingSettings struct {
	UserID           string    `json:"user_id"`
	SpotEnabled      bool      `json:"spot_enabled"`
	FuturesEnabled   bool      `json:"futures_enabled"`
	SpotWatchlist    []string  `json:"spot_watchlist"`
	FuturesWatchlist []string  `json:"futures_watchlist"`
	Interval         string    `json:"interval"`
	Exchange         string    `json:"exchange"`
	DefaultAmount    float64   `json:"default_amount"`
	DefaultLeverage  int       `json:"default_leverage"`
	DefaultTPPct     float64   `json:"default_tp_pct"`
	DefaultSLPct     float64   `json:"default_sl_pct"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Enabled reports whether any monitoring should run for the user.
func (s TradingSettings) Enabled() bool {
	return s.SpotEnabled || s.FuturesEnabled
}

// WatchlistUnion is the set of symbols a detector should run for, spot and
// futures combined. One detector per symbol serves both sides.
func (s TradingSettings) WatchlistUnion() []string {
	seen := make(map[string]struct{})
	var union []string
	for _, list := range [][]string{s.SpotWatchlist, s.FuturesWatchlist} {
		for _, sym := range list {
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			union = append(union, sym)
		}
	}
	return union
}

// OnSpotWatchlist reports whether the symbol is spot-enabled for this user.
func (s TradingSettings) OnSpotWatchlist(symbol string) bool {
	return s.SpotEnabled && contains(s.SpotWatchlist, symbol)
}

// OnFuturesWatchlist reports whether the symbol is futures-enabled.
func (s TradingSettings) OnFuturesWatchlist(symbol string) bool {
	return s.FuturesEnabled && contains(s.FuturesWatchlist, symbol)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Repo reads and writes user settings under trading_settings/{user}.
type Repo struct {
	store    store.Store
	defaults config.TradingDefaults
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewRepo(st store.Store, defaults config.TradingDefaults, log *zap.SugaredLogger) *Repo {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Repo{store: st, defaults: defaults, log: log, now: time.Now}
}

func settingsPath(userID string) string {
	return "trading_settings/" + userID
}

// Get returns the user's settings, with defaults applied to absent fields. A
// user with no saved settings gets a disabled default record.
func (r *Repo) Get(ctx context.Context, userID string) (TradingSettings, error) {
	var s TradingSettings
	err := r.store.Get(ctx, settingsPath(userID), &s)
	if errors.Is(err, store.ErrNotFound) {
		s = TradingSettings{UserID: userID}
	} else if err != nil {
		return TradingSettings{}, err
	}
	s.UserID = userID
	r.applyDefaults(&s)
	return s, nil
}

// Save overwrites the user's settings.
func (r *Repo) Save(ctx context.Context, s TradingSettings) error {
	r.applyDefaults(&s)
	s.UpdatedAt = r.now()
	return r.store.Set(ctx, settingsPath(s.UserID), s)
}

// All returns every user's settings, keyed by user id. The scheduler walks
// this each reconcile cycle.
func (r *Repo) All(ctx context.Context) (map[string]TradingSettings, error) {
	rows, err := r.store.List(ctx, "trading_settings")
	if err != nil {
		return nil, err
	}
	out := make(map[string]TradingSettings, len(rows))
	for userID, raw := range rows {
		var s TradingSettings
		if err := json.Unmarshal(raw, &s); err != nil {
			r.log.Warnw("skipping malformed settings record", "user_id", userID, "error", err)
			continue
		}
		s.UserID = userID
		r.applyDefaults(&s)
		out[userID] = s
	}
	return out, nil
}

func (r *Repo) applyDefaults(s *TradingSettings) {
	if s.Interval == "" {
		s.Interval = r.defaults.Interval
	}
	if s.Exchange == "" {
		s.Exchange = "binance"
	}
	if s.DefaultAmount <= 0 {
		s.DefaultAmount = r.defaults.Amount
	}
	if s.DefaultLeverage <= 0 {
		s.DefaultLeverage = r.defaults.Leverage
	}
	if s.DefaultTPPct <= 0 {
		s.DefaultTPPct = r.defaults.TakeProfitPct
	}
	if s.DefaultSLPct <= 0 {
		s.DefaultSLPct = r.defaults.StopLossPct
	}
}
