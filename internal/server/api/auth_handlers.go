package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=256"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,pwbytes,nefield=CurrentPassword"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

type verifyTokenRequest struct {
	Token string `query:"token" validate:"required"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,pwbytes"`
}

// HandleLogin handles POST /api/auth/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}

	if _, err := h.sessions.Create(c, sessionUser(user)); err != nil {
		return mapServiceError(c, err)
	}

	return respond(c, http.StatusOK, echo.Map{"user": toUserView(user)}, "logged in")
}

// HandleLogout handles POST /api/auth/logout.
func (h *Handler) HandleLogout(c echo.Context) error {
	if err := h.sessions.Destroy(c); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "logged out")
}

// HandleMe handles GET /api/auth/me.
func (h *Handler) HandleMe(c echo.Context) error {
	return respond(c, http.StatusOK, echo.Map{"user": toUserView(currentUser(c))}, "")
}

// HandleChangePassword handles POST /api/auth/change-password.
// Every session of the user is revoked and the caller gets a fresh one.
func (h *Handler) HandleChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user := currentUser(c)
	if err := h.auth.ChangePassword(c.Request().Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return mapServiceError(c, err)
	}

	if _, err := h.sessions.Create(c, sessionUser(user)); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "password changed")
}

// HandleForgotPassword handles POST /api/auth/forgot-password.
// The response is the same whether or not the email is known.
func (h *Handler) HandleForgotPassword(c echo.Context) error {
	var req forgotPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.auth.ForgotPassword(c.Request().Context(), req.Email); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "if the account exists, a reset link has been sent")
}

// HandleVerifyResetToken handles GET /api/auth/reset-password/verify?token=.
func (h *Handler) HandleVerifyResetToken(c echo.Context) error {
	var req verifyTokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.auth.VerifyResetToken(c.Request().Context(), req.Token)
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, echo.Map{"email": user.Email}, "token is valid")
}

// HandleResetPassword handles POST /api/auth/reset-password.
func (h *Handler) HandleResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	if err := h.auth.ResetPassword(c.Request().Context(), req.Token, req.NewPassword); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "password has been reset")
}
