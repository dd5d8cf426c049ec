package api

import (
	"net/http"
	"strconv"

	"naturecms/internal/server/service"

	"github.com/labstack/echo/v4"
)

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"required,max=255"`
	Password string `json:"password" validate:"required,min=8,pwbytes"`
	Role     string `json:"role" validate:"omitempty,oneof=admin editor"`
}

type updateUserRequest struct {
	Name    *string `json:"name" validate:"omitempty,min=1,max=255"`
	Role    *string `json:"role" validate:"omitempty,oneof=admin editor"`
	Enabled *bool   `json:"enabled"`
}

// HandleListUsers handles GET /api/admin/users.
func (h *Handler) HandleListUsers(c echo.Context) error {
	users, err := h.users.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	return respond(c, http.StatusOK, out, "")
}

// HandleGetUser handles GET /api/admin/users/:id.
func (h *Handler) HandleGetUser(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return err
	}

	user, err := h.users.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, toUserView(user), "")
}

// HandleCreateUser handles POST /api/admin/users.
func (h *Handler) HandleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.users.Create(c.Request().Context(), service.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusCreated, toUserView(user), "user created")
}

// HandleUpdateUser handles PATCH /api/admin/users/:id.
func (h *Handler) HandleUpdateUser(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return err
	}

	var req updateUserRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	user, err := h.users.Update(c.Request().Context(), currentUser(c).ID, id, service.UpdateUserInput{
		Name:    req.Name,
		Role:    req.Role,
		Enabled: req.Enabled,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, toUserView(user), "user updated")
}

// HandleDeleteUser handles DELETE /api/admin/users/:id.
func (h *Handler) HandleDeleteUser(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return err
	}

	if err := h.users.Delete(c.Request().Context(), currentUser(c).ID, id); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "user deleted")
}

func userID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return id, nil
}
