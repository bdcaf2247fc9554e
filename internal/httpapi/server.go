// Package httpapi is the operator-facing HTTP surface: health checks,
// Prometheus metrics, and read-only views of users and live sessions.
// It listens on a separate TCP port from the chat protocol and speaks
// plain REST; nothing here is part of the client wire protocol.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/server/internal/store"
)

// Presence is the view of live sessions the API needs; implemented by
// the server's session registry.
type Presence interface {
	ActiveUsers() []string
	Count() int
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	presence Presence
}

// New constructs the Echo app and registers all routes.
func New(st *store.Store, presence Presence) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, presence: presence}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/users", s.handleUsers)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/stats", s.handleStats)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutCtx); err != nil {
			slog.Error("api shutdown", "err", err)
		}
		return nil
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: s.presence.Count(),
	})
}

// UserResponse is an element in the GET /api/users array.
type UserResponse struct {
	Username    string `json:"username"`
	UnreadCount int    `json:"unread_count"`
	Online      bool   `json:"online"`
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.store.AllUsers()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	online := make(map[string]bool)
	for _, u := range s.presence.ActiveUsers() {
		online[u] = true
	}
	resp := make([]UserResponse, 0, len(users))
	for _, u := range users {
		unread, err := s.store.UnreadCount(u)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp = append(resp, UserResponse{Username: u, UnreadCount: unread, Online: online[u]})
	}
	return c.JSON(http.StatusOK, resp)
}

// SessionsResponse is the payload for GET /api/sessions.
type SessionsResponse struct {
	Sessions int      `json:"sessions"`
	Users    []string `json:"users"`
}

func (s *Server) handleSessions(c echo.Context) error {
	users := s.presence.ActiveUsers()
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, SessionsResponse{
		Sessions: s.presence.Count(),
		Users:    users,
	})
}

// StatsResponse is the payload for GET /api/stats.
type StatsResponse struct {
	Users    int `json:"users"`
	Messages int `json:"messages"`
	Sessions int `json:"sessions"`
}

func (s *Server) handleStats(c echo.Context) error {
	users, err := s.store.UserCount()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	messages, err := s.store.MessageCount()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, StatsResponse{
		Users:    users,
		Messages: messages,
		Sessions: s.presence.Count(),
	})
}
