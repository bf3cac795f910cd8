package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// errKind is the abstract error taxonomy the HTTP layer maps to a
// status code, independent of any particular Go error type underneath.
type errKind int

const (
	errBadRequest errKind = iota
	errForbidden
	errNotFound
	errUnavailable
	errInternal
)

var statusForKind = map[errKind]int{
	errBadRequest:  http.StatusBadRequest,
	errForbidden:   http.StatusForbidden,
	errNotFound:    http.StatusNotFound,
	errUnavailable: http.StatusServiceUnavailable,
	errInternal:    http.StatusInternalServerError,
}

// fail writes the standard `{"error": "<message>"}` payload at the
// status the taxonomy maps kind to.
func fail(c echo.Context, kind errKind, message string) error {
	return c.JSON(statusForKind[kind], map[string]string{"error": message})
}

func failErr(c echo.Context, kind errKind, err error) error {
	return fail(c, kind, err.Error())
}
