package api

import (
	"errors"
	"log/slog"
	"net/http"

	"naturecms/internal/server/service"
	"naturecms/internal/server/session"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler renders every error returned from a handler or
// middleware as the JSON envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, envelope{
			Success: false,
			Message: "validation failed",
			Errors:  verr.Fields,
		})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok || msg == "" {
			msg = http.StatusText(he.Code)
		}
		if c.Request().Method == http.MethodHead {
			c.NoContent(he.Code)
			return
		}
		respondError(c, he.Code, msg)
		return
	}

	mapServiceError(c, err)
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return respondError(c, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrInvalidCredentials):
		return respondError(c, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, service.ErrAccountDisabled):
		return respondError(c, http.StatusForbidden, "account is disabled")
	case errors.Is(err, service.ErrWrongPassword):
		return respondError(c, http.StatusBadRequest, "current password is incorrect")
	case errors.Is(err, service.ErrInvalidToken):
		return respondError(c, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, service.ErrEmailTaken):
		return respondError(c, http.StatusConflict, "email already in use")
	case errors.Is(err, service.ErrPasswordTooLong):
		return respondError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrSelfModification):
		return respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownFeature):
		return respondError(c, http.StatusBadRequest, "unknown upload feature")
	case errors.Is(err, service.ErrNoFiles):
		return respondError(c, http.StatusBadRequest, "no files provided")
	case errors.Is(err, service.ErrTooManyFiles):
		return respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		return respondError(c, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrImageTooLarge):
		return respondError(c, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrUnsupportedType):
		return respondError(c, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, service.ErrInvalidImage):
		return respondError(c, http.StatusBadRequest, "invalid or corrupt image")
	case errors.Is(err, session.ErrStoreUnavailable):
		slog.Error("session store unavailable", "path", c.Request().URL.Path, "error", err)
		return respondError(c, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		slog.Error("unhandled error", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		return respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
