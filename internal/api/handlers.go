package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"autotrader/internal/credentials"
	"autotrader/internal/monitor"
	"autotrader/internal/settings"
	"autotrader/internal/subscription"
	"autotrader/internal/trade"
	"autotrader/pkg/exchanges/common"
	"autotrader/pkg/store"
)

// ExchangeGateway is the slice of the gateway the HTTP layer reads from.
type ExchangeGateway interface {
	GetBalance(ctx context.Context, exchange string, creds common.Credentials, futures bool) (common.Balance, error)
	GetPositions(ctx context.Context, exchange string, creds common.Credentials, futures bool) ([]common.Position, error)
	Exchanges() []string
}

// writeExchangeError maps the gateway error taxonomy onto HTTP statuses.
func writeExchangeError(c *gin.Context, err error) {
	var xerr *common.Error
	if errors.As(err, &xerr) {
		switch xerr.Kind {
		case common.KindAuth:
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "EXCHANGE_AUTH_FAILED",
				"error": xerr.Error(),
			})
			return
		case common.KindRateLimit:
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":  "EXCHANGE_RATE_LIMITED",
				"error": xerr.Error(),
			})
			return
		case common.KindOrderTooSmall:
			c.JSON(http.StatusBadRequest, gin.H{
				"code":             "ORDER_TOO_SMALL",
				"error":            xerr.Error(),
				"min_qty":          xerr.MinQty,
				"suggested_amount": xerr.SuggestedAmount,
			})
			return
		case common.KindUnsupported:
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "UNSUPPORTED_EXCHANGE",
				"error": xerr.Error(),
			})
			return
		}
	}
	if errors.Is(err, credentials.ErrNoCredentials) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "NO_API_KEY",
			"error": "no API key saved for this exchange",
		})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{
		"code":  "EXCHANGE_ERROR",
		"error": err.Error(),
	})
}

// --- auto-trading settings ---

func (s *Server) getSettings(c *gin.Context) {
	us, err := s.Settings.Get(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, us)
}

func (s *Server) updateSettings(c *gin.Context) {
	userID := CurrentUserID(c)
	var req settings.TradingSettings
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	req.UserID = userID
	ctx := c.Request.Context()

	if req.Enabled() {
		ok, err := s.Subs.HasFeature(ctx, userID, subscription.FeatureAutoTrading)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"code":  "PLAN_REQUIRED",
				"error": "your plan does not include auto trading",
			})
			return
		}
	}
	if req.FuturesEnabled {
		ok, err := s.Subs.HasFeature(ctx, userID, subscription.FeatureFuturesTrading)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"code":  "PLAN_REQUIRED",
				"error": "your plan does not include futures trading",
			})
			return
		}
	}

	if err := s.Settings.Save(ctx, req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	saved, err := s.Settings.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) getMonitorStatus(c *gin.Context) {
	userID := CurrentUserID(c)
	us, err := s.Settings.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	var symbols []string
	if s.Registry != nil {
		for _, key := range s.Registry.Running() {
			if key.UserID == userID {
				symbols = append(symbols, key.Symbol)
			}
		}
		sort.Strings(symbols)
	}
	c.JSON(http.StatusOK, gin.H{
		"spot_enabled":    us.SpotEnabled,
		"futures_enabled": us.FuturesEnabled,
		"monitoring":      symbols,
	})
}

// stopMonitoring disables both sides and tears the user's detectors down
// immediately, without waiting for the next reconcile cycle.
func (s *Server) stopMonitoring(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	us, err := s.Settings.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	us.SpotEnabled = false
	us.FuturesEnabled = false
	if err := s.Settings.Save(ctx, us); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	stopped := 0
	if s.Registry != nil {
		stopped = s.Registry.StopUser(userID)
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) getSignalHistory(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := s.Store.List(c.Request.Context(), "ema_signals/"+userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	signals := make([]monitor.Signal, 0, len(rows))
	for _, raw := range rows {
		var sig monitor.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			continue
		}
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool {
		return signals[i].Timestamp.After(signals[j].Timestamp)
	})
	if len(signals) > limit {
		signals = signals[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

// --- manual trading ---

func (s *Server) openPosition(c *gin.Context) {
	userID := CurrentUserID(c)
	var req struct {
		Exchange      string  `json:"exchange"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Amount        float64 `json:"amount"`
		Leverage      int     `json:"leverage"`
		IsFutures     bool    `json:"is_futures"`
		TakeProfitPct float64 `json:"tp_pct"`
		StopLossPct   float64 `json:"sl_pct"`
		ClientOrderID string  `json:"client_order_id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Exchange == "" || req.Symbol == "" || req.Side == "" || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FIELDS",
			"error": "exchange, symbol, side and a positive amount are required",
		})
		return
	}

	ctx := c.Request.Context()
	creds, err := s.Vault.Get(ctx, userID, req.Exchange)
	if err != nil {
		writeExchangeError(c, err)
		return
	}

	tr, err := s.Trades.CreateOrder(ctx, trade.CreateOrderRequest{
		UserID:        userID,
		Exchange:      req.Exchange,
		Credentials:   creds,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Amount:        req.Amount,
		Leverage:      req.Leverage,
		IsFutures:     req.IsFutures,
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		writeExchangeError(c, err)
		return
	}

	status := http.StatusCreated
	if tr.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"trade": tr, "idempotent": tr.Idempotent})
}

func (s *Server) closePosition(c *gin.Context) {
	userID := CurrentUserID(c)
	var req struct {
		TradeID string `json:"trade_id"`
	}
	if err := c.BindJSON(&req); err != nil || req.TradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "trade_id is required"})
		return
	}

	ctx := c.Request.Context()
	tr, err := s.Trades.GetTrade(ctx, userID, req.TradeID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "TRADE_NOT_FOUND", "error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if tr.Status != trade.StatusOpen {
		c.JSON(http.StatusConflict, gin.H{"code": "TRADE_NOT_OPEN", "error": "trade is not open"})
		return
	}

	creds, err := s.Vault.Get(ctx, userID, tr.Exchange)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	result, err := s.Trades.ClosePosition(ctx, userID, tr.ID, tr.Exchange, creds, tr.Symbol, tr.IsFutures)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	exchange := c.Query("exchange")
	if exchange == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FIELDS", "error": "exchange query parameter is required"})
		return
	}
	futures := c.Query("futures") != "false"

	ctx := c.Request.Context()
	creds, err := s.Vault.Get(ctx, userID, exchange)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	positions, err := s.Gateway.GetPositions(ctx, exchange, creds, futures)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	if positions == nil {
		positions = []common.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.Trades.ListTrades(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)
	exchange := c.Param("exchange")
	futures := c.Query("futures") != "false"

	ctx := c.Request.Context()
	creds, err := s.Vault.Get(ctx, userID, exchange)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	bal, err := s.Gateway.GetBalance(ctx, exchange, creds, futures)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": exchange, "balance": bal})
}

// --- API keys ---

func (s *Server) saveAPIKey(c *gin.Context) {
	userID := CurrentUserID(c)
	var req struct {
		Exchange   string `json:"exchange"`
		APIKey     string `json:"api_key"`
		APISecret  string `json:"api_secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Exchange == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FIELDS", "error": "exchange is required"})
		return
	}

	err := s.Vault.Save(c.Request.Context(), userID, req.Exchange, common.Credentials{
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_KEY", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"exchange": req.Exchange})
}

func (s *Server) listAPIKeys(c *gin.Context) {
	infos, err := s.Vault.List(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Exchange < infos[j].Exchange })
	c.JSON(http.StatusOK, gin.H{"keys": infos})
}

func (s *Server) deleteAPIKey(c *gin.Context) {
	if err := s.Vault.Delete(c.Request.Context(), CurrentUserID(c), c.Param("exchange")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// checkExchangeHealth probes the venue with the stored key; a balance read
// exercises both connectivity and the key's validity.
func (s *Server) checkExchangeHealth(c *gin.Context) {
	userID := CurrentUserID(c)
	exchange := c.Param("exchange")

	ctx := c.Request.Context()
	creds, err := s.Vault.Get(ctx, userID, exchange)
	if err != nil {
		writeExchangeError(c, err)
		return
	}
	if _, err := s.Gateway.GetBalance(ctx, exchange, creds, false); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"exchange": exchange,
			"healthy":  false,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange": exchange, "healthy": true})
}
