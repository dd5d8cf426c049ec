package api

import (
	"context"
	"net/http"
	"time"

	"naturecms/internal/server/csrf"
	"naturecms/internal/server/database"
	"naturecms/internal/server/metrics"
	"naturecms/internal/server/ratelimit"
	"naturecms/internal/server/service"
	"naturecms/internal/server/session"

	"github.com/labstack/echo/v4"
)

// HealthCheck is one dependency checked by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Auth     *service.AuthService
	Users    *service.UserService
	Uploads  *service.UploadService
	Forms    *service.FormService
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Health   []HealthCheck
}

// Handler contains the HTTP handlers for the CMS API.
type Handler struct {
	auth     *service.AuthService
	users    *service.UserService
	uploads  *service.UploadService
	forms    *service.FormService
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	health   []HealthCheck
}

// NewHandler creates a new handler from its dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		auth:     d.Auth,
		users:    d.Users,
		uploads:  d.Uploads,
		forms:    d.Forms,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		health:   d.Health,
	}
}

// HandleHealth handles GET /health.
// Returns the health status of the server and each dependency.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.health))
	for _, hc := range h.health {
		if err := hc.Check(ctx); err != nil {
			status = "degraded"
			deps[hc.Name] = "error: " + err.Error()
			continue
		}
		deps[hc.Name] = "connected"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":       status,
		"dependencies": deps,
	})
}

// HandleCSRFToken handles GET /api/csrf-token.
func (h *Handler) HandleCSRFToken(c echo.Context) error {
	return respond(c, http.StatusOK, echo.Map{"token": csrf.Token(c)}, "")
}

// userView is the public shape of a user.
type userView struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	Enabled     bool       `json:"enabled"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toUserView(u *database.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Enabled:     u.Enabled,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

func sessionUser(u *database.User) *session.User {
	return &session.User{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}
