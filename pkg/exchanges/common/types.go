// Package common defines the contract shared by all exchange adapters.
package common

import (
	"fmt"
	"strings"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// NormalizeSide maps user-facing side aliases onto BUY/SELL.
// "long" and "buy" open long; "short" and "sell" open short.
func NormalizeSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Credentials are the per-user API keys for one exchange.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // OKX and KuCoin only
}

// Balance is the available quote balance on one account type.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
	Total  float64 `json:"total"`
}

// SymbolInfo carries the trading constraints for one symbol.
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	MinQty      float64 `json:"min_qty"`
	StepSize    float64 `json:"step_size"`
	TickSize    float64 `json:"tick_size"`
	MinNotional float64 `json:"min_notional"`
}

// OrderSpec is an order intent handed to an adapter. Amount is denominated in
// the quote currency; the adapter converts to base quantity at market price.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Amount        float64 // quote currency, e.g. USDT
	Leverage      int     // futures only
	Futures       bool
	TakeProfitPct float64 // percent of entry; 0 disables
	StopLossPct   float64 // percent of entry; 0 disables
	ClientOrderID string
}

// ComputeTPSL derives the take-profit and stop-loss trigger prices from the
// entry price. For a long TP sits above entry and SL below; mirrored for a
// short. A zero percentage disables that leg.
func ComputeTPSL(entry float64, side Side, tpPct, slPct float64) (tp, sl float64) {
	if tpPct > 0 {
		if side == SideBuy {
			tp = entry * (1 + tpPct/100)
		} else {
			tp = entry * (1 - tpPct/100)
		}
	}
	if slPct > 0 {
		if side == SideBuy {
			sl = entry * (1 - slPct/100)
		} else {
			sl = entry * (1 + slPct/100)
		}
	}
	return tp, sl
}

// OrderAck is the normalized exchange acknowledgement of a placed order.
type OrderAck struct {
	ExchangeOrderID string         `json:"exchange_order_id"`
	ClientOrderID   string         `json:"client_order_id"`
	Symbol          string         `json:"symbol"`
	Side            Side           `json:"side"`
	Quantity        float64        `json:"quantity"`
	EntryPrice      float64        `json:"entry_price"`
	TPOrderID       string         `json:"tp_order_id,omitempty"`
	SLOrderID       string         `json:"sl_order_id,omitempty"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// Position is an open futures position (or spot holding for venues that
// report them uniformly).
type Position struct {
	Exchange      string  `json:"exchange"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // long or short
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      float64 `json:"leverage"`
}

// ReverseCloses flips a close series in place and returns it. Venues that
// report klines newest-first go through this so every adapter hands back a
// chronological series.
func ReverseCloses(closes []float64) []float64 {
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes
}
