// Package api exposes the HTTP and websocket surface of the trading core.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"autotrader/internal/credentials"
	"autotrader/internal/events"
	"autotrader/internal/monitor"
	"autotrader/internal/settings"
	"autotrader/internal/subscription"
	"autotrader/internal/trade"
	"autotrader/pkg/store"
)

// Server wires HTTP endpoints around the trading core services.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Store    store.Store
	Settings *settings.Repo
	Trades   *trade.Manager
	Vault    *credentials.Vault
	Gateway  ExchangeGateway
	Subs     subscription.Checker
	Registry *monitor.Registry

	JWTSecret string
	Log       *zap.SugaredLogger
}

// Deps carries the server's collaborators from the composition root.
type Deps struct {
	Bus       *events.Bus
	Store     store.Store
	Settings  *settings.Repo
	Trades    *trade.Manager
	Vault     *credentials.Vault
	Gateway   ExchangeGateway
	Subs      subscription.Checker
	Registry  *monitor.Registry
	JWTSecret string
	Log       *zap.SugaredLogger
}

func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.Subs == nil {
		deps.Subs = subscription.AllowAll{}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(deps.Log))
	r.Use(newIPRateLimiter().middleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       deps.Bus,
		Store:     deps.Store,
		Settings:  deps.Settings,
		Trades:    deps.Trades,
		Vault:     deps.Vault,
		Gateway:   deps.Gateway,
		Subs:      deps.Subs,
		Registry:  deps.Registry,
		JWTSecret: deps.JWTSecret,
		Log:       deps.Log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			at := protected.Group("/auto-trading")
			{
				at.GET("/settings", s.getSettings)
				at.POST("/settings", s.updateSettings)
				at.GET("/status", s.getMonitorStatus)
				at.POST("/stop", s.stopMonitoring)
				at.GET("/signals/history", s.getSignalHistory)
			}

			bot := protected.Group("/bot")
			{
				bot.POST("/position", s.openPosition)
				bot.POST("/position/close", s.closePosition)
				bot.GET("/positions", s.getPositions)
				bot.GET("/trades", s.getTrades)
				bot.GET("/balance/:exchange", s.getBalance)
			}

			keys := protected.Group("/keys")
			{
				keys.POST("", s.saveAPIKey)
				keys.GET("", s.listAPIKeys)
				keys.DELETE("/:exchange", s.deleteAPIKey)
				keys.GET("/:exchange/health", s.checkExchangeHealth)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
