package api

import (
	"net/http"

	"naturecms/internal/server/service"

	"github.com/labstack/echo/v4"
)

type contactRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,max=255"`
	Subject string `json:"subject" validate:"omitempty,max=200"`
	Message string `json:"message" validate:"required,min=10,max=5000"`
}

type joinRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,max=255"`
	Phone   string `json:"phone" validate:"omitempty,max=30"`
	Message string `json:"message" validate:"omitempty,max=5000"`
}

// HandleContact handles POST /api/contact.
func (h *Handler) HandleContact(c echo.Context) error {
	var req contactRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	err := h.forms.SubmitContact(c.Request().Context(), service.ContactMessage{
		Name:    req.Name,
		Email:   req.Email,
		Subject: req.Subject,
		Message: req.Message,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "message sent")
}

// HandleJoin handles POST /api/join.
func (h *Handler) HandleJoin(c echo.Context) error {
	var req joinRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	err := h.forms.SubmitJoin(c.Request().Context(), service.JoinApplication{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Message: req.Message,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "application received")
}
