package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"naturecms/internal/server/netx"

	"github.com/labstack/echo/v4"
)

const contextKey = "session"

type loaded struct {
	id   string
	sess *Session
}

// ManagerOptions configures the session cookie.
type ManagerOptions struct {
	CookieName string
	TTL        time.Duration
	Rolling    bool
}

// Manager binds sessions in the Store to an HttpOnly cookie.
type Manager struct {
	store *Store
	opts  ManagerOptions
}

// NewManager creates a cookie-backed session manager.
func NewManager(store *Store, opts ManagerOptions) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "sid"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Manager{store: store, opts: opts}
}

// Store returns the underlying session store.
func (m *Manager) Store() *Store {
	return m.store
}

// Middleware loads the session named by the request cookie into the echo
// context. Store failures are logged and the request continues anonymously.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(m.opts.CookieName)
			if err != nil || cookie.Value == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			sess, err := m.store.Get(ctx, cookie.Value)
			if err != nil {
				slog.Warn("session lookup failed, continuing without session", "error", err)
				return next(c)
			}
			if sess == nil {
				m.clearCookie(c)
				return next(c)
			}

			if m.opts.Rolling {
				expires := time.Now().Add(m.opts.TTL)
				sess.Cookie.Expires = &expires
				sess.Cookie.MaxAge = m.opts.TTL.Milliseconds()
				m.setCookie(c, cookie.Value, expires)
			}
			if err := m.store.Touch(ctx, cookie.Value, sess); err != nil {
				slog.Warn("session touch failed", "error", err)
			}

			c.Set(contextKey, &loaded{id: cookie.Value, sess: sess})
			return next(c)
		}
	}
}

// Create starts a new authenticated session for user, replacing any session
// already attached to the request.
func (m *Manager) Create(c echo.Context, user *User) (*Session, error) {
	ctx := c.Request().Context()

	if cur, ok := c.Get(contextKey).(*loaded); ok && cur != nil {
		if err := m.store.Destroy(ctx, cur.id); err != nil {
			slog.Warn("failed to destroy previous session", "error", err)
		}
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	expires := time.Now().Add(m.opts.TTL)
	sess := &Session{
		Cookie: Cookie{Expires: &expires, MaxAge: m.opts.TTL.Milliseconds()},
		User:   user,
	}
	if err := m.store.Set(ctx, id, sess); err != nil {
		return nil, err
	}

	m.setCookie(c, id, expires)
	c.Set(contextKey, &loaded{id: id, sess: sess})
	return sess, nil
}

// Destroy removes the request's session from the store and clears the cookie.
func (m *Manager) Destroy(c echo.Context) error {
	cur, ok := c.Get(contextKey).(*loaded)
	m.clearCookie(c)
	if !ok || cur == nil {
		return nil
	}
	c.Set(contextKey, nil)
	return m.store.Destroy(c.Request().Context(), cur.id)
}

// FromContext returns the session loaded for this request, or nil.
func FromContext(c echo.Context) *Session {
	if cur, ok := c.Get(contextKey).(*loaded); ok && cur != nil {
		return cur.sess
	}
	return nil
}

// UserFromContext returns the session user, or nil for anonymous requests.
func UserFromContext(c echo.Context) *User {
	if sess := FromContext(c); sess != nil {
		return sess.User
	}
	return nil
}

func (m *Manager) setCookie(c echo.Context, id string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   netx.IsHTTPS(c.Request()),
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   netx.IsHTTPS(c.Request()),
		SameSite: http.SameSiteLaxMode,
	})
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
