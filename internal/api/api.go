// Package api exposes the mount engine over HTTP. Routes are JSON in
// and JSON out, with record streams rendered as newline-delimited JSON.
// Namespace paths ride in the URL after the route prefix; the trailing
// slash distinguishes directories from files exactly as it does in the
// namespace itself.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
)

// Server is the HTTP facade over a mount manager.
type Server struct {
	mgr     *mount.Manager
	logger  *slog.Logger
	echo    *echo.Echo
	started time.Time
}

func New(mgr *mount.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mgr: mgr, logger: logger.With("component", "api"), started: time.Now()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.configureLogging(e)
	e.Use(middleware.Recover())

	registerDataRoutes(e.Group("/data"), s)
	registerMetadataRoutes(e, s)
	registerQueryRoutes(e, s)
	registerMountRoutes(e, s)
	e.GET("/stats", s.Stats)

	s.echo = e
	return s
}

func (s *Server) configureLogging(e *echo.Echo) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURIPath:   true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request", append(attrs, "error", v.Error)...)
			} else {
				s.logger.Info("request", attrs...)
			}
			return nil
		},
	}))
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

// wildcardPath parses the route wildcard into a namespace path. The
// wildcard arrives without its leading slash; an empty wildcard is the
// root directory.
func wildcardPath(c echo.Context) (fspath.Path, error) {
	return fspath.Parse("/" + c.Param("*"))
}
