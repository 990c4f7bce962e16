package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/loomkit/loom/internal/beam"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/session"
)

// ResponseError is the error body shape.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

// writeEngineError maps engine error taxonomy onto status codes. Caller
// mistakes are 4xx, backend trouble is 5xx, and anything unclassified is a
// bare 500.
func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, provider.ErrUnknownModel), errors.Is(err, beam.ErrUnknownNode):
		return writeNotFound(c, err.Error())
	case errors.Is(err, session.ErrContextOverflow),
		errors.Is(err, session.ErrInvalidTokenSelection),
		errors.Is(err, session.ErrModelMismatch),
		errors.Is(err, session.ErrLowFidelityOnly),
		errors.Is(err, beam.ErrBadOffset),
		errors.Is(err, beam.ErrPrefixViolation):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, provider.ErrUnavailable):
		return writeError(c, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
	case errors.Is(err, provider.ErrTimeout):
		return writeError(c, http.StatusGatewayTimeout, "provider_timeout", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}
