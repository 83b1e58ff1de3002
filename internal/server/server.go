package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/parley/internal/archive"
	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/gateway"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/registry"
	"github.com/nfrund/parley/internal/websocket"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	Cfg      *config.Config
	Gateway  gateway.Gateway
	Registry *registry.Registry
	Tracker  *presence.Tracker
	Channel  *channel.Service
	Bridge   *websocket.Bridge
	Archiver *archive.Archiver
}

// Deps bundles the wired services the server fronts.
type Deps struct {
	Gateway  gateway.Gateway
	Registry *registry.Registry
	Tracker  *presence.Tracker
	Channel  *channel.Service
	Bridge   *websocket.Bridge
	Archiver *archive.Archiver
}

// New creates a new Server instance around already-wired dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	return &Server{
		E:        e,
		Cfg:      cfg,
		Gateway:  deps.Gateway,
		Registry: deps.Registry,
		Tracker:  deps.Tracker,
		Channel:  deps.Channel,
		Bridge:   deps.Bridge,
		Archiver: deps.Archiver,
	}
}

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/ws", s.Bridge.Handler())

	api := s.E.Group("/api")
	api.GET("/history/:peer", s.historyHandler)
	api.GET("/presence", s.presenceHandler)
	if s.Archiver != nil {
		api.GET("/history/:peer/export", s.exportHandler)
	}

	s.E.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}

// caller extracts the authenticated principal from the request, using the
// same header contract as the WebSocket handshake.
func (s *Server) caller(c echo.Context) (domain.Principal, error) {
	raw := c.Request().Header.Get(websocket.PrincipalHeader)
	if raw == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}
	return domain.Principal(raw), nil
}

// historyHandler returns the full ordered pairwise channel between the
// caller and the peer, annotated with the caller's perspective.
func (s *Server) historyHandler(c echo.Context) error {
	caller, err := s.caller(c)
	if err != nil {
		return err
	}
	peer := domain.Principal(c.Param("peer"))
	if peer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing peer")
	}

	entries, err := s.Channel.History(c.Request().Context(), caller, peer)
	if err != nil {
		slog.Error("history fetch failed", "caller", caller, "peer", peer, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load history")
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// presenceHandler returns the current online set.
func (s *Server) presenceHandler(c echo.Context) error {
	if _, err := s.caller(c); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Tracker.Snapshot())
}

// exportHandler streams the archived transcript for the caller's pair.
func (s *Server) exportHandler(c echo.Context) error {
	caller, err := s.caller(c)
	if err != nil {
		return err
	}
	peer := domain.Principal(c.Param("peer"))
	if peer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing peer")
	}

	transcript, err := s.Archiver.Transcript(caller, peer)
	if err != nil {
		slog.Error("transcript export failed", "caller", caller, "peer", peer, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to export transcript")
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", transcript)
}
