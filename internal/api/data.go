package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

type dataGroup struct {
	srv *Server
}

func registerDataRoutes(g *echo.Group, srv *Server) *dataGroup {
	group := &dataGroup{srv: srv}

	g.GET("/*", group.Read)
	g.PUT("/*", group.Write)
	g.POST("/*", group.Append)
	g.DELETE("/*", group.Delete)

	return group
}

// fileParam parses the wildcard as a file path.
func fileParam(c echo.Context) (fspath.File, error) {
	p, err := wildcardPath(c)
	if err != nil {
		return fspath.File{}, err
	}
	f, ok := p.(fspath.File)
	if !ok {
		return fspath.File{}, fmt.Errorf("%s: record routes address files, not directories", p)
	}
	return f, nil
}

// paramVars collects variable bindings from the URL query, skipping
// reserved keys. Reads through views take their per-call overrides
// this way.
func paramVars(c echo.Context, reserved ...string) query.Vars {
	skip := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		skip[r] = true
	}
	var vars query.Vars
	for k, vs := range c.QueryParams() {
		if skip[k] || len(vs) == 0 {
			continue
		}
		if vars == nil {
			vars = query.Vars{}
		}
		vars[k] = vs[0]
	}
	return vars
}

// bodyRecords decodes the request body, accepting a JSON array, a
// single object, or newline-delimited objects.
func bodyRecords(c echo.Context) ([]query.Record, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return backend.DecodeRecords(data)
}

// streamNDJSON writes the cursor's records as NDJSON. The status line
// goes out before the first record, so failures past that point can
// only cut the stream short; they are logged, not reported.
func (s *Server) streamNDJSON(c echo.Context, cur query.Cursor) error {
	defer cur.Close()
	ctx := c.Request().Context()

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	enc := json.NewEncoder(c.Response())
	for {
		rec, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.logger.Warn("record stream cut short", "path", c.Request().URL.Path, "error", err)
			return nil
		}
		if err := enc.Encode(rec); err != nil {
			return nil
		}
		c.Response().Flush()
	}
}

func (g *dataGroup) Read(c echo.Context) error {
	f, err := fileParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	cur, err := g.srv.mgr.Eval().Read(c.Request().Context(), f, paramVars(c))
	if err != nil {
		return engineErr(c, err)
	}
	return g.srv.streamNDJSON(c, cur)
}

func (g *dataGroup) Write(c echo.Context) error {
	f, err := fileParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	recs, err := bodyRecords(c)
	if err != nil {
		return badRequest(c, err)
	}
	res, err := g.srv.mgr.Eval().Write(c.Request().Context(), f, recs)
	if err != nil {
		return engineErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (g *dataGroup) Append(c echo.Context) error {
	f, err := fileParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	recs, err := bodyRecords(c)
	if err != nil {
		return badRequest(c, err)
	}
	res, err := g.srv.mgr.Eval().Append(c.Request().Context(), f, recs)
	if err != nil {
		return engineErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (g *dataGroup) Delete(c echo.Context) error {
	p, err := wildcardPath(c)
	if err != nil {
		return badRequest(c, err)
	}
	if err := g.srv.mgr.Eval().Delete(c.Request().Context(), p); err != nil {
		return engineErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
