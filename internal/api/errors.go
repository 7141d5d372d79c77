package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/handle"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

// statusFor maps the engine failure taxonomy onto HTTP status codes.
// Anything unrecognized came out of a backend while serving a resolved
// path, so it reports as a bad gateway rather than a server bug.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mount.ErrPathNotFound),
		errors.Is(err, mount.ErrMountNotFound),
		errors.Is(err, handle.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, mount.ErrMountExists):
		return http.StatusConflict
	case errors.Is(err, mount.ErrReadOnly):
		return http.StatusLocked
	case errors.Is(err, mount.ErrCrossMount),
		errors.Is(err, mount.ErrViewCycle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, backend.ErrUnknownKind),
		errors.Is(err, mount.ErrInvalidMount):
		return http.StatusBadRequest
	case errors.Is(err, mount.ErrBackendConnect),
		errors.Is(err, mount.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// engineErr renders an engine error with its taxonomy status.
func engineErr(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]any{"error": err.Error()})
}

// badRequest renders a client input error.
func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
}
