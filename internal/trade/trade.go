// Package trade orchestrates order placement and records executed trades.
package trade

import (
	"time"

	"autotrader/pkg/exchanges/common"
)

// Status is the lifecycle state of a Trade.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Trade is one executed order and its protective context. Once closed it is
// immutable except for status and closed_at.
type Trade struct {
	ID              string      `json:"trade_id"`
	ClientOrderID   string      `json:"client_order_id"`
	UserID          string      `json:"user_id"`
	Exchange        string      `json:"exchange"`
	Symbol          string      `json:"symbol"`
	Side            common.Side `json:"side"`
	Amount          float64     `json:"amount"`
	Leverage        int         `json:"leverage"`
	IsFutures       bool        `json:"is_futures"`
	EntryPrice      float64     `json:"entry_price"`
	Quantity        float64     `json:"quantity"`
	TPPrice         float64     `json:"tp_price,omitempty"`
	SLPrice         float64     `json:"sl_price,omitempty"`
	TPOrderID       string      `json:"tp_order_id,omitempty"`
	SLOrderID       string      `json:"sl_order_id,omitempty"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          Status      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`

	// Idempotent is true when create_order returned an existing trade for a
	// repeated client_order_id. Not persisted.
	Idempotent bool `json:"-"`
}
