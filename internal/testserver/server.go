package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BroadcastRequest triggers a broadcast.
type BroadcastRequest struct {
	Channel   string          `json:"channel"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// BroadcastResponse reports the outcome of a triggered broadcast.
type BroadcastResponse struct {
	Success         bool   `json:"success"`
	Channel         string `json:"channel"`
	EventType       string `json:"event_type"`
	SubscriberCount int    `json:"subscriber_count"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// Server exposes a Hub over HTTP.
type Server struct {
	echo   *echo.Echo
	hub    *Hub
	logger *slog.Logger

	broadcasts prometheus.Counter
}

// New builds a server around hub. Metrics are registered on reg and served
// from GET /metrics.
func New(hub *Hub, logger *slog.Logger, reg *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		hub:    hub,
		logger: logger,
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broadcast",
			Subsystem: "testserver",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts triggered over HTTP.",
		}),
	}

	reg.MustRegister(s.broadcasts, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "broadcast",
		Subsystem: "testserver",
		Name:      "connections",
		Help:      "Number of open WebSocket connections.",
	}, func() float64 { return float64(hub.ConnectionCount()) }))

	s.registerRoutes(reg)
	return s
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.echo.GET("/ws/broadcast", s.handleWebSocket)
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/test/broadcast", s.handleBroadcast)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes every connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.Any("error", err))
		return nil
	}

	s.hub.Serve(c.Request().Context(), ws)
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Connections: s.hub.ConnectionCount(),
	})
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Channel == "" || req.EventType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel and event_type are required")
	}

	n, err := s.hub.Broadcast(c.Request().Context(), req.Channel, req.EventType, req.Payload)
	if err != nil {
		return fmt.Errorf("failed to broadcast: %w", err)
	}
	s.broadcasts.Inc()

	return c.JSON(http.StatusOK, BroadcastResponse{
		Success:         true,
		Channel:         req.Channel,
		EventType:       req.EventType,
		SubscriberCount: n,
	})
}
