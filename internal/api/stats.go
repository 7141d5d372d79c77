package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// EngineStats is the body of GET /stats.
type EngineStats struct {
	Version       int64  `json:"version"`
	Mounts        int    `json:"mounts"`
	OpenHandles   int    `json:"open_handles"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Started       string `json:"started"`
}

// Stats reports a point-in-time summary of the engine. Version is the
// mount table version, so two equal responses mean no mount changed in
// between.
func (s *Server) Stats(c echo.Context) error {
	snap := s.mgr.Snapshot()
	return c.JSON(http.StatusOK, EngineStats{
		Version:       snap.Version,
		Mounts:        snap.Table.Len(),
		OpenHandles:   s.mgr.Handles().Count(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Started:       s.started.UTC().Format(time.RFC3339),
	})
}
