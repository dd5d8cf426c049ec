package api

import (
	"fmt"
	"net/http"

	"naturecms/internal/server/config"
	"naturecms/internal/server/csrf"
	"naturecms/internal/server/database"
	"naturecms/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
//
// Every /api request passes the CSRF guard, then the general rate limit,
// then session loading, before any route-specific policy or handler runs.
func SetupRouter(h *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = HTTPErrorHandler

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger(h.metrics))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "0",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSAllowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, cfg.CSRF.HeaderName},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	}))

	// Health & metrics
	e.GET("/health", h.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))

	api := e.Group("/api",
		csrf.Middleware(csrf.Config{
			CookieName:        cfg.CSRF.CookieName,
			HeaderName:        cfg.CSRF.HeaderName,
			ProtectedPrefixes: cfg.CSRF.ProtectedPrefixes,
			Development:       cfg.IsDevelopment(),
			FailOpen:          cfg.CSRF.FailOpen,
			Metrics:           h.metrics,
		}),
		h.limiter.Middleware(ratelimit.General),
		h.sessions.Middleware(),
	)

	api.GET("/csrf-token", h.HandleCSRFToken)

	// Auth
	requireAuth := RequireAuth(h.auth, h.sessions)
	auth := api.Group("/auth")
	auth.POST("/login", h.HandleLogin, h.limiter.Middleware(ratelimit.Auth))
	auth.POST("/logout", h.HandleLogout)
	auth.GET("/me", h.HandleMe, requireAuth)
	auth.POST("/change-password", h.HandleChangePassword, requireAuth)
	auth.POST("/forgot-password", h.HandleForgotPassword, h.limiter.Middleware(ratelimit.PasswordReset))
	auth.GET("/reset-password/verify", h.HandleVerifyResetToken, h.limiter.Middleware(ratelimit.TokenVerification))
	auth.POST("/reset-password", h.HandleResetPassword, h.limiter.Middleware(ratelimit.TokenVerification))

	// Public forms
	api.POST("/contact", h.HandleContact, h.limiter.Middleware(ratelimit.ContactForm))
	api.POST("/join", h.HandleJoin, h.limiter.Middleware(ratelimit.JoinForm))

	// Download
	api.GET("/files/:feature/:name", h.HandleDownload)

	// Admin
	admin := api.Group("/admin", requireAuth)

	users := admin.Group("/users", RequireRole(database.RoleAdmin))
	users.GET("", h.HandleListUsers)
	users.POST("", h.HandleCreateUser)
	users.GET("/:id", h.HandleGetUser)
	users.PATCH("/:id", h.HandleUpdateUser)
	users.DELETE("/:id", h.HandleDeleteUser)

	uploads := admin.Group("/uploads", RequireRole(database.RoleAdmin, database.RoleEditor))
	bodyLimit := middleware.BodyLimit(uploadBodyLimit(cfg))
	uploads.GET("", h.HandleListUploads)
	uploads.POST("/images", h.HandleUploadImages, bodyLimit)
	uploads.POST("/files", h.HandleUploadFiles, bodyLimit)
	uploads.DELETE("/:feature/:name", h.HandleDeleteUpload)

	return e
}

// uploadBodyLimit allows a full batch of maximum-size files plus form
// overhead, in echo's "<n>K" notation.
func uploadBodyLimit(cfg *config.Config) string {
	per := max(cfg.Upload.MaxFileSize, cfg.Upload.MaxImageSize)
	total := per*int64(cfg.Upload.MaxFilesPerRequest) + 1<<20
	return fmt.Sprintf("%dK", (total+1023)/1024)
}
