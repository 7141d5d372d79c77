package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/mount"
)

type mountGroup struct {
	srv *Server
}

func registerMountRoutes(e *echo.Echo, srv *Server) *mountGroup {
	group := &mountGroup{srv: srv}

	e.GET("/mounts", group.ListMounts)
	e.GET("/mount/*", group.Get)
	e.POST("/mount/*", group.Attach)
	e.DELETE("/mount/*", group.Detach)

	return group
}

type mountInfo struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func (g *mountGroup) ListMounts(c echo.Context) error {
	snap := g.srv.mgr.Snapshot()
	infos := make([]mountInfo, 0, snap.Table.Len())
	for _, ent := range snap.Table.Entries() {
		infos = append(infos, mountInfo{Path: ent.Path.String(), Kind: ent.Kind()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return c.JSON(http.StatusOK, map[string]any{
		"version": snap.Version,
		"mounts":  infos,
	})
}

// Get returns the config of the mount at exactly this path.
func (g *mountGroup) Get(c echo.Context) error {
	p, err := wildcardPath(c)
	if err != nil {
		return badRequest(c, err)
	}
	ent, ok := g.srv.mgr.Snapshot().Table.Lookup(p)
	if !ok {
		return engineErr(c, fmt.Errorf("%s: %w", p, mount.ErrMountNotFound))
	}
	return c.JSON(http.StatusOK, ent.Config)
}

// Attach mounts the posted config at the wildcard path. The trailing
// slash picks the path kind: directories take backends, files take
// views.
func (g *mountGroup) Attach(c echo.Context) error {
	p, err := wildcardPath(c)
	if err != nil {
		return badRequest(c, err)
	}
	var cfg mount.Config
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, err)
	}
	if err := cfg.Validate(); err != nil {
		return badRequest(c, err)
	}
	if err := g.srv.mgr.Mount(c.Request().Context(), p, cfg); err != nil {
		return engineErr(c, err)
	}
	return c.JSON(http.StatusCreated, mountInfo{Path: p.String(), Kind: cfg.Kind()})
}

func (g *mountGroup) Detach(c echo.Context) error {
	p, err := wildcardPath(c)
	if err != nil {
		return badRequest(c, err)
	}
	warn, err := g.srv.mgr.Unmount(c.Request().Context(), p)
	if err != nil {
		return engineErr(c, err)
	}
	if warn != nil {
		return c.JSON(http.StatusOK, map[string]any{"warning": warn.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}
