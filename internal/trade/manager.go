package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/pkg/exchanges/common"
	"autotrader/pkg/store"
)

// Gateway is the slice of the exchange gateway the manager needs.
type Gateway interface {
	GetCurrentPrice(ctx context.Context, exchange, symbol string, futures bool) (float64, error)
	PlaceOrder(ctx context.Context, exchange string, creds common.Credentials, spec common.OrderSpec) (*common.OrderAck, error)
	ClosePosition(ctx context.Context, exchange string, creds common.Credentials, symbol string, futures bool) (map[string]any, error)
}

// ErrDuplicateInFlight is returned when a client order id is reserved but its
// trade record has not landed yet, meaning a concurrent create is mid-flight.
var ErrDuplicateInFlight = errors.New("trade: duplicate order in flight")

// CreateOrderRequest carries one order intent into the manager.
type CreateOrderRequest struct {
	UserID        string
	Exchange      string
	Credentials   common.Credentials
	Symbol        string
	Side          string
	Amount        float64
	Leverage      int
	IsFutures     bool
	TakeProfitPct float64
	StopLossPct   float64
	ClientOrderID string
}

// Manager places orders through the gateway and mirrors them into the store.
type Manager struct {
	gw    Gateway
	store store.Store
	log   *zap.SugaredLogger

	now   func() time.Time
	newID func() string
}

func NewManager(gw Gateway, st store.Store, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		gw:    gw,
		store: st,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func tradePath(userID, tradeID string) string {
	return fmt.Sprintf("trades/%s/%s", userID, tradeID)
}

func tradesPrefix(userID string) string {
	return "trades/" + userID
}

// indexPath reserves a client order id. Create on this path is atomic, so two
// concurrent submissions with the same id cannot both reach the exchange.
func indexPath(userID, clientOrderID string) string {
	return fmt.Sprintf("trade_index/%s/client_order/%s", userID, clientOrderID)
}

type indexEntry struct {
	ClientOrderID string    `json:"client_order_id"`
	TradeID       string    `json:"trade_id"`
	ReservedAt    time.Time `json:"reserved_at"`
}

// CreateOrder validates, prices, dispatches and persists one order. Repeating
// a call with the same client order id returns the original trade without
// touching the exchange.
func (m *Manager) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Trade, error) {
	side, err := common.NormalizeSide(req.Side)
	if err != nil {
		return nil, err
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = m.generateClientOrderID(req.UserID, req.Symbol)
	}

	idxPath := indexPath(req.UserID, clientOrderID)
	err = m.store.Create(ctx, idxPath, indexEntry{
		ClientOrderID: clientOrderID,
		ReservedAt:    m.now(),
	})
	if errors.Is(err, store.ErrExists) {
		return m.existingTrade(ctx, req.UserID, clientOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve client order id: %w", err)
	}

	trade, err := m.placeAndRecord(ctx, req, side, clientOrderID)
	if err != nil {
		// Release the reservation so a corrected request can reuse the id.
		if derr := m.store.Delete(ctx, idxPath); derr != nil {
			m.log.Warnw("failed to release client order id reservation",
				"user_id", req.UserID, "client_order_id", clientOrderID, "error", derr)
		}
		return nil, err
	}

	if uerr := m.store.Update(ctx, idxPath, map[string]any{"trade_id": trade.ID}); uerr != nil {
		m.log.Warnw("failed to link reservation to trade",
			"trade_id", trade.ID, "error", uerr)
	}
	return trade, nil
}

func (m *Manager) placeAndRecord(ctx context.Context, req CreateOrderRequest, side common.Side, clientOrderID string) (*Trade, error) {
	// Pre-fetch the price so TP/SL are known and logged before submission,
	// even though the venue settles its own entry price.
	price, err := m.gw.GetCurrentPrice(ctx, req.Exchange, req.Symbol, req.IsFutures)
	if err != nil {
		return nil, fmt.Errorf("fetch price for %s: %w", req.Symbol, err)
	}
	tpPrice, slPrice := common.ComputeTPSL(price, side, req.TakeProfitPct, req.StopLossPct)

	m.log.Infow("placing order",
		"user_id", req.UserID, "exchange", req.Exchange, "symbol", req.Symbol,
		"side", side, "amount", req.Amount, "futures", req.IsFutures,
		"ref_price", price, "tp_price", tpPrice, "sl_price", slPrice,
		"client_order_id", clientOrderID)

	ack, err := m.gw.PlaceOrder(ctx, req.Exchange, req.Credentials, common.OrderSpec{
		Symbol:        req.Symbol,
		Side:          side,
		Amount:        req.Amount,
		Leverage:      req.Leverage,
		Futures:       req.IsFutures,
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, err
	}

	entryPrice := ack.EntryPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	trade := &Trade{
		ID:              m.newID(),
		ClientOrderID:   clientOrderID,
		UserID:          req.UserID,
		Exchange:        req.Exchange,
		Symbol:          req.Symbol,
		Side:            side,
		Amount:          req.Amount,
		Leverage:        req.Leverage,
		IsFutures:       req.IsFutures,
		EntryPrice:      entryPrice,
		Quantity:        ack.Quantity,
		TPPrice:         tpPrice,
		SLPrice:         slPrice,
		TPOrderID:       ack.TPOrderID,
		SLOrderID:       ack.SLOrderID,
		ExchangeOrderID: m.resolveOrderID(ack),
		Status:          StatusOpen,
		CreatedAt:       m.now(),
	}

	// The venue accepted the order, so a persistence failure must not fail
	// the call. The trade still exists on the exchange either way.
	if err := m.store.Set(ctx, tradePath(req.UserID, trade.ID), trade); err != nil {
		m.log.Errorw("order placed but trade record not persisted",
			"trade_id", trade.ID, "exchange_order_id", trade.ExchangeOrderID, "error", err)
	}
	return trade, nil
}

// existingTrade resolves a repeated client order id to its original trade.
func (m *Manager) existingTrade(ctx context.Context, userID, clientOrderID string) (*Trade, error) {
	var idx indexEntry
	if err := m.store.Get(ctx, indexPath(userID, clientOrderID), &idx); err == nil && idx.TradeID != "" {
		var t Trade
		if err := m.store.Get(ctx, tradePath(userID, idx.TradeID), &t); err == nil {
			t.Idempotent = true
			m.log.Infow("idempotent order replay",
				"user_id", userID, "client_order_id", clientOrderID, "trade_id", t.ID)
			return &t, nil
		}
	}

	// Reservation without a linked trade: either the original call is still
	// running or it died between reserve and link. Fall back to the child
	// query before declaring the duplicate in flight.
	rows, err := m.store.QueryByChild(ctx, tradesPrefix(userID), "client_order_id", clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	for _, raw := range rows {
		var t Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		t.Idempotent = true
		return &t, nil
	}
	return nil, ErrDuplicateInFlight
}

// ClosePosition closes the live position and marks the trade closed. A store
// failure after a successful venue close is logged, not returned; the venue
// is the source of truth.
func (m *Manager) ClosePosition(ctx context.Context, userID, tradeID, exchange string, creds common.Credentials, symbol string, isFutures bool) (map[string]any, error) {
	result, err := m.gw.ClosePosition(ctx, exchange, creds, symbol, isFutures)
	if err != nil {
		return nil, err
	}

	closedAt := m.now()
	err = m.store.Update(ctx, tradePath(userID, tradeID), map[string]any{
		"status":    StatusClosed,
		"closed_at": closedAt,
	})
	if err != nil {
		m.log.Warnw("position closed on exchange but trade record not updated",
			"user_id", userID, "trade_id", tradeID, "error", err)
	}
	return result, nil
}

// OpenTradeExists reports whether the user already holds an open trade for
// the (exchange, symbol, account type) triple.
func (m *Manager) OpenTradeExists(ctx context.Context, userID, exchange, symbol string, isFutures bool) (bool, error) {
	rows, err := m.store.QueryByChild(ctx, tradesPrefix(userID), "status", StatusOpen)
	if err != nil {
		return false, err
	}
	for _, raw := range rows {
		var t Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if t.Exchange == exchange && t.Symbol == symbol && t.IsFutures == isFutures {
			return true, nil
		}
	}
	return false, nil
}

// GetTrade loads one trade record.
func (m *Manager) GetTrade(ctx context.Context, userID, tradeID string) (*Trade, error) {
	var t Trade
	if err := m.store.Get(ctx, tradePath(userID, tradeID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrades returns the user's trades, newest first.
func (m *Manager) ListTrades(ctx context.Context, userID string) ([]*Trade, error) {
	rows, err := m.store.List(ctx, tradesPrefix(userID))
	if err != nil {
		return nil, err
	}
	trades := make([]*Trade, 0, len(rows))
	for _, raw := range rows {
		var t Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			m.log.Warnw("skipping malformed trade record", "user_id", userID, "error", err)
			continue
		}
		trades = append(trades, &t)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades, nil
}

// generateClientOrderID builds a per-call id; the uuid suffix disambiguates
// two calls landing in the same millisecond.
func (m *Manager) generateClientOrderID(userID, symbol string) string {
	suffix := strings.ReplaceAll(m.newID(), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%s_%d_%s", userID, symbol, m.now().UnixMilli(), suffix)
}

// resolveOrderID prefers the adapter's extracted id, then digs through the
// raw response, then synthesizes a placeholder. The venue accepted the order,
// so tracking is best-effort rather than a reason to fail.
func (m *Manager) resolveOrderID(ack *common.OrderAck) string {
	if ack.ExchangeOrderID != "" {
		return ack.ExchangeOrderID
	}
	if id := extractOrderID(ack.Raw); id != "" {
		return id
	}
	id := "synthetic_" + strings.ReplaceAll(m.newID(), "-", "")[:8]
	m.log.Warnw("no order id in exchange response, synthesized placeholder",
		"symbol", ack.Symbol, "order_id", id)
	return id
}

func extractOrderID(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	for _, key := range []string{"orderId", "order_id", "id", "clOrdId"} {
		if id := stringValue(raw[key]); id != "" {
			return id
		}
	}
	for _, nested := range []string{"data", "result"} {
		if sub, ok := raw[nested].(map[string]any); ok {
			if id := extractOrderID(sub); id != "" {
				return id
			}
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
