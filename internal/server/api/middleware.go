package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"naturecms/internal/server/database"
	"naturecms/internal/server/metrics"
	"naturecms/internal/server/service"
	"naturecms/internal/server/session"

	"github.com/labstack/echo/v4"
)

const userContextKey = "user"

// RequestLogger returns an echo middleware that logs requests using slog
// and counts them in m.
func RequestLogger(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Render now so the logged status is the one the client sees.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			}
			if id := res.Header().Get(echo.HeaderXRequestID); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			if u := session.UserFromContext(c); u != nil {
				attrs = append(attrs, "user_id", u.ID)
			}

			switch {
			case res.Status >= http.StatusInternalServerError:
				slog.Error("request", attrs...)
			case res.Status >= http.StatusBadRequest:
				slog.Warn("request", attrs...)
			default:
				slog.Info("request", attrs...)
			}

			m.ObserveRequest(req.Method, res.Status)
			return nil
		}
	}
}

// RequireAuth rejects anonymous requests. The session user is reloaded so
// that an account disabled or deleted since login loses access at once.
func RequireAuth(auth *service.AuthService, sessions *session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			su := session.UserFromContext(c)
			if su == nil {
				return respondError(c, http.StatusUnauthorized, "authentication required")
			}

			user, err := auth.CurrentUser(c.Request().Context(), su.ID)
			if err != nil {
				if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrAccountDisabled) {
					if derr := sessions.Destroy(c); derr != nil {
						slog.Warn("failed to destroy stale session", "user_id", su.ID, "error", derr)
					}
					return respondError(c, http.StatusUnauthorized, "authentication required")
				}
				return mapServiceError(c, err)
			}

			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// RequireRole allows only users holding one of roles. It must run after
// RequireAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := currentUser(c)
			if user == nil {
				return respondError(c, http.StatusUnauthorized, "authentication required")
			}
			if !slices.Contains(roles, user.Role) {
				slog.Warn("role check failed", "user_id", user.ID, "role", user.Role, "path", c.Request().URL.Path)
				return respondError(c, http.StatusForbidden, "insufficient permissions")
			}
			return next(c)
		}
	}
}

func currentUser(c echo.Context) *database.User {
	u, _ := c.Get(userContextKey).(*database.User)
	return u
}
