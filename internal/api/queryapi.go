package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/handle"
	"github.com/Serhiy91/quasar/internal/query"
)

type queryGroup struct {
	srv *Server
}

func registerQueryRoutes(e *echo.Echo, srv *Server) *queryGroup {
	group := &queryGroup{srv: srv}

	e.GET("/query", group.Run)
	e.POST("/handles", group.Open)
	e.GET("/handles/:id", group.More)
	e.DELETE("/handles/:id", group.Close)

	return group
}

// baseDir parses an optional base directory, defaulting to the root.
// Relative FROM paths in the statement resolve against it.
func baseDir(raw string) (fspath.Dir, error) {
	if raw == "" {
		return fspath.Root(), nil
	}
	return fspath.ParseDir(raw)
}

// Run executes a statement and streams every result record.
func (g *queryGroup) Run(c echo.Context) error {
	text := c.QueryParam("q")
	if text == "" {
		return badRequest(c, errors.New("missing q parameter"))
	}
	base, err := baseDir(c.QueryParam("base"))
	if err != nil {
		return badRequest(c, fmt.Errorf("base: %w", err))
	}
	cur, err := g.srv.mgr.Eval().Query(c.Request().Context(), base, text, paramVars(c, "q", "base"))
	if err != nil {
		return engineErr(c, err)
	}
	return g.srv.streamNDJSON(c, cur)
}

type openRequest struct {
	Query string            `json:"query"`
	Base  string            `json:"base"`
	Vars  map[string]string `json:"vars"`
}

// Open executes a statement and parks the cursor behind a handle for
// paged consumption via More.
func (g *queryGroup) Open(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if req.Query == "" {
		return badRequest(c, errors.New("missing query"))
	}
	base, err := baseDir(req.Base)
	if err != nil {
		return badRequest(c, fmt.Errorf("base: %w", err))
	}
	id, err := g.srv.mgr.OpenQuery(c.Request().Context(), base, req.Query, query.Vars(req.Vars))
	if err != nil {
		return engineErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"handle": id})
}

func handleParam(c echo.Context) (handle.ID, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad handle id %q", c.Param("id"))
	}
	return handle.ID(id), nil
}

// More pulls the next page from an open handle. A drained handle
// reports done and disappears; asking again is a 404.
func (g *queryGroup) More(c echo.Context) error {
	id, err := handleParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	n := 0
	if raw := c.QueryParam("n"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, fmt.Errorf("bad n parameter %q", raw))
		}
	}
	recs, done, err := g.srv.mgr.More(c.Request().Context(), id, n)
	if err != nil {
		return engineErr(c, err)
	}
	if recs == nil {
		recs = []query.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"records": recs,
		"done":    done,
	})
}

// Close releases a handle. Unknown ids are fine: closing is idempotent.
func (g *queryGroup) Close(c echo.Context) error {
	id, err := handleParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	g.srv.mgr.CloseHandle(id)
	return c.NoContent(http.StatusNoContent)
}
