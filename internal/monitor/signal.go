// Package monitor runs the per-symbol EMA crossover detectors.
package monitor

import (
	"fmt"
	"time"

	"autotrader/internal/indicators"
)

// Key identifies one detector task.
type Key struct {
	UserID   string
	Exchange string
	Symbol   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.Exchange, k.Symbol)
}

// Signal is one crossover check result. A record is written on every tick,
// signal or not, so the history shows the detector was alive.
type Signal struct {
	ID          string               `json:"signal_id"`
	UserID      string               `json:"user_id"`
	Exchange    string               `json:"exchange"`
	Symbol      string               `json:"symbol"`
	Interval    string               `json:"interval"`
	EMA9        float64              `json:"ema9"`
	EMA21       float64              `json:"ema21"`
	Direction   indicators.Direction `json:"direction,omitempty"`
	Price       float64              `json:"price"`
	Timestamp   time.Time            `json:"timestamp"`
	ActionTaken bool                 `json:"action_taken"`
	TradeIDs    []string             `json:"trade_ids,omitempty"`
}

// EMAState is the cached EMA value a tick compares against. Entries older
// than StaleAfter are ignored, never compared.
type EMAState struct {
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	Period     int       `json:"period"`
	Value      float64   `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
}

// StaleAfter bounds how old a cached EMA may be and still anchor a crossover
// comparison.
const StaleAfter = time.Hour

func emaCachePath(userID, symbol, interval string, period int) string {
	return fmt.Sprintf("ema_cache/%s/%s/%s/ema%d", userID, symbol, interval, period)
}

func signalPath(userID, signalID string) string {
	return fmt.Sprintf("ema_signals/%s/%s", userID, signalID)
}
