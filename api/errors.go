package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorBody struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// errorHandler renders every error returned by a handler or middleware.
// Client errors keep their message, anything else is logged in full and
// answered with a bare 500.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := http.StatusInternalServerError, errorBody{
		Message: http.StatusText(http.StatusInternalServerError),
	}

	var verr *ValidationError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		slog.Debug("rejected request", "method", c.Request().Method, "url", c.Request().URL, "err", err)
		code = http.StatusBadRequest
		body = errorBody{Message: verr.Error(), Errors: verr.Errors}
	case errors.As(err, &he) && he.Code < http.StatusInternalServerError:
		code = he.Code
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		body = errorBody{Message: msg}
	default:
		slog.Error("could not handle request", "method", c.Request().Method, "url", c.Request().URL, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		slog.Error("could not send error response", "err", err)
	}
}
