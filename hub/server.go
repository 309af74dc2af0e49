package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bookflow/arbitrage"
	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/store"
)

// Server exposes the aggregated books over a websocket feed and a small REST
// API for managing the watch universe.
type Server struct {
	cfg      *appconfig.Config
	log      *logger.Log
	hub      *Hub
	registry Registry
	store    store.Store
	channels *channel.Channels

	httpServer *http.Server
	upgrader   websocket.Upgrader
	runCtx     context.Context
}

func NewServer(cfg *appconfig.Config, h *Hub, registry Registry, st store.Store, ch *channel.Channels) *Server {
	return &Server{
		cfg:      cfg,
		log:      logger.GetLogger(),
		hub:      h,
		registry: registry,
		store:    st,
		channels: ch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is open to browser dashboards on any origin, same
			// as the REST surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := normalizeAddress(s.cfg.Server.ListenAddr)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{
		"address": addr,
	}).Info("http server started")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.WithComponent("server").Info("http server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": s.cfg.Bookflow.Name,
			"version": s.cfg.Bookflow.Version,
		})
	})

	router.GET("/ws", s.serveWS)

	api := router.Group("/api")

	api.GET("/tokens", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Tokens())
	})

	api.POST("/tokens", func(c *gin.Context) {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Token) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No token provided"})
			return
		}
		token := strings.TrimSpace(body.Token)
		if err := s.registry.AddToken(c.Request.Context(), token); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		upper := strings.ToUpper(token)
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Token %s added", upper),
		})
	})

	api.DELETE("/tokens/:token", func(c *gin.Context) {
		token := c.Param("token")
		if err := s.registry.RemoveToken(c.Request.Context(), token); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Token %s removed", strings.ToUpper(strings.TrimSpace(token))),
		})
	})

	api.GET("/exchanges", func(c *gin.Context) {
		exchanges, err := s.store.Exchanges(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, exchanges)
	})

	api.POST("/exchanges", func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
			URL  string `json:"url"`
			Type string `json:"type"`
		}
		if err := c.ShouldBindJSON(&body); err != nil ||
			strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.URL) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Exchange name or URL missing"})
			return
		}
		descriptor := models.ExchangeDescriptor{
			Name: strings.TrimSpace(body.Name),
			URL:  strings.TrimSpace(body.URL),
			Kind: transportKind(body.Type),
		}
		if err := s.registry.AddExchange(c.Request.Context(), descriptor); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Exchange %s added", descriptor.Name),
		})
	})

	api.DELETE("/exchanges/:exchange", func(c *gin.Context) {
		name := c.Param("exchange")
		if err := s.registry.RemoveExchange(c.Request.Context(), name); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Exchange %s removed", strings.TrimSpace(name)),
		})
	})

	api.GET("/orderbooks", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Snapshot())
	})

	api.GET("/orderbook", func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("token"))
		exchange := strings.TrimSpace(c.Query("exchange"))
		if token == "" || exchange == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Token or exchange missing"})
			return
		}
		set, err := s.registry.Depth(token, exchange)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, orderbookData{
			Type:     "orderbook_data",
			Token:    strings.ToUpper(token),
			Exchange: exchange,
			Asks:     nonNilLevels(set.Asks),
			Bids:     nonNilLevels(set.Bids),
		})
	})

	api.GET("/arbitrage", func(c *gin.Context) {
		minPercent, err := queryFloat(c, "min_percent", s.cfg.Arbitrage.MinProfitPercent)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fee, err := queryFloat(c, "fee_percent", s.cfg.Arbitrage.FeePercent)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opportunities := arbitrage.FindOpportunities(s.registry.Snapshot(), minPercent, fee)
		if opportunities == nil {
			opportunities = []arbitrage.Opportunity{}
		}
		c.JSON(http.StatusOK, gin.H{
			"opportunities":      opportunities,
			"count":              len(opportunities),
			"min_profit_percent": minPercent,
			"fee_percent":        fee,
		})
	})

	api.GET("/arbitrage/volume", func(c *gin.Context) {
		volume, err := queryFloat(c, "volume_usdt", s.cfg.Arbitrage.VolumeUSDT)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fee, err := queryFloat(c, "fee_percent", s.cfg.Arbitrage.FeePercent)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opportunities := arbitrage.FindVolumeLimited(s.registry.BooksSnapshot(), volume, fee)
		if opportunities == nil {
			opportunities = []arbitrage.Opportunity{}
		}
		c.JSON(http.StatusOK, gin.H{
			"opportunities": opportunities,
			"count":         len(opportunities),
			"volume_usdt":   volume,
			"fee_percent":   fee,
		})
	})

	api.GET("/stats", func(c *gin.Context) {
		chStats := s.channels.GetStats()
		c.JSON(http.StatusOK, gin.H{
			"registry": s.registry.GetStats(),
			"hub":      s.hub.GetStats(),
			"channels": gin.H{
				"updates_sent":    chStats.UpdatesSent,
				"updates_dropped": chStats.UpdatesDropped,
			},
		})
	})

	return router, nil
}

// serveWS upgrades the connection and hands it to the hub. New clients start
// subscribed to everything and receive a full snapshot before any updates.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("server").WithFields(logger.Fields{
			"error": err.Error(),
		}).Warn("websocket upgrade failed")
		return
	}

	client := newClient(s.runCtx, s.hub, s.registry, conn, uuid.New().String())
	s.hub.Register(client)

	go client.writePump()
	client.sendJSON(initialData{
		Type:       "initial_data",
		Tokens:     s.registry.Tokens(),
		Exchanges:  s.registry.ExchangeNames(),
		Orderbooks: s.registry.Snapshot(),
	})
	go client.readPump()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// statusForError maps registry failures onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, processor.ErrTokenExists), errors.Is(err, processor.ErrExchangeExists):
		return http.StatusConflict
	case errors.Is(err, processor.ErrTokenNotFound),
		errors.Is(err, processor.ErrExchangeNotFound),
		errors.Is(err, processor.ErrBookNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, processor.ErrUnsupportedExchange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryFloat(c *gin.Context, name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return v, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8000"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8000"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8000")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8000")
	}

	return addr
}
