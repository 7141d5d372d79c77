package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/fspath"
)

type metadataGroup struct {
	srv *Server
}

func registerMetadataRoutes(e *echo.Echo, srv *Server) *metadataGroup {
	group := &metadataGroup{srv: srv}

	e.GET("/metadata/*", group.List)
	e.POST("/move", group.Move)

	return group
}

func (g *metadataGroup) List(c echo.Context) error {
	d, err := fspath.ParseDir("/" + c.Param("*"))
	if err != nil {
		return badRequest(c, err)
	}
	entries, err := g.srv.mgr.Eval().List(c.Request().Context(), d)
	if err != nil {
		return engineErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"path":    d.String(),
		"entries": entries,
	})
}

type moveRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func (g *metadataGroup) Move(c echo.Context) error {
	var req moveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	src, err := fspath.Parse(req.Src)
	if err != nil {
		return badRequest(c, fmt.Errorf("src: %w", err))
	}
	dst, err := fspath.Parse(req.Dst)
	if err != nil {
		return badRequest(c, fmt.Errorf("dst: %w", err))
	}
	if err := g.srv.mgr.Eval().Move(c.Request().Context(), src, dst); err != nil {
		return engineErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
