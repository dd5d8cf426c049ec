// Package csrf implements a double-submit cookie guard: the token lives in a
// script-readable cookie and mutating requests must echo it in a header.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"naturecms/internal/server/metrics"
	"naturecms/internal/server/netx"

	"github.com/labstack/echo/v4"
)

const (
	contextKey   = "csrf_token"
	tokenBytes   = 32
	cookieMaxAge = 24 * time.Hour
)

// Config controls which requests are verified and how the cookie is issued.
type Config struct {
	CookieName        string
	HeaderName        string
	ProtectedPrefixes []string

	// Development skips verification; tokens are still issued.
	Development bool

	// FailOpen lets requests through when a token cannot be generated.
	FailOpen bool

	Metrics *metrics.Metrics
}

// Middleware returns the CSRF guard.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.CookieName == "" {
		cfg.CookieName = "csrf_token"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			var cookieToken string
			if ck, err := req.Cookie(cfg.CookieName); err == nil {
				cookieToken = ck.Value
			}

			if isSafeMethod(req.Method) {
				if cookieToken == "" {
					token, err := GenerateToken()
					if err != nil {
						slog.Error("failed to generate CSRF token", "error", err, "fail_open", cfg.FailOpen)
						if !cfg.FailOpen {
							return c.JSON(http.StatusInternalServerError, echo.Map{
								"success": false,
								"message": "internal server error",
							})
						}
						return next(c)
					}
					setCookie(c, cfg.CookieName, token)
					cookieToken = token
				}
				c.Set(contextKey, cookieToken)
				return next(c)
			}

			c.Set(contextKey, cookieToken)

			if cfg.Development || !isProtected(req.URL.Path, cfg.ProtectedPrefixes) {
				return next(c)
			}

			headerToken := req.Header.Get(cfg.HeaderName)
			if !tokensMatch(cookieToken, headerToken) {
				cfg.Metrics.CSRFRejected()
				slog.Warn("CSRF token mismatch", "method", req.Method, "path", req.URL.Path, "ip", c.RealIP())
				return c.JSON(http.StatusForbidden, echo.Map{
					"success": false,
					"message": "invalid CSRF token",
				})
			}
			return next(c)
		}
	}
}

// Token returns the CSRF token bound to the current request, if any.
func Token(c echo.Context) string {
	token, _ := c.Get(contextKey).(string)
	return token
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func tokensMatch(cookieToken, headerToken string) bool {
	if cookieToken == "" || headerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) == 1
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isProtected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// setCookie issues the token cookie. Behind an HTTPS proxy the cookie is
// Secure with SameSite=None; over plain HTTP it falls back to Lax.
func setCookie(c echo.Context, name, token string) {
	ck := &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	}
	if netx.IsHTTPS(c.Request()) {
		ck.Secure = true
		ck.SameSite = http.SameSiteNoneMode
	}
	c.SetCookie(ck)
}
