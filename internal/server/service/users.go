package service

import (
	"context"
	"errors"
	"strings"

	"naturecms/internal/server/database"
	"naturecms/internal/server/metrics"
)

// CreateUserInput is the admin form for a new account.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Role     string
}

// UpdateUserInput carries optional changes; nil fields are left alone.
type UpdateUserInput struct {
	Name    *string
	Role    *string
	Enabled *bool
}

// UserService is the admin user-management surface.
type UserService struct {
	users    UserRepository
	sessions SessionRevoker
	metrics  *metrics.Metrics
}

// NewUserService creates a new user service.
func NewUserService(users UserRepository, sessions SessionRevoker, m *metrics.Metrics) *UserService {
	return &UserService{users: users, sessions: sessions, metrics: m}
}

func (s *UserService) List(ctx context.Context) ([]*database.User, error) {
	return s.users.List(ctx)
}

func (s *UserService) Get(ctx context.Context, id int64) (*database.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrNotFound
	}
	return user, err
}

// Create adds an enabled account.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*database.User, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &database.User{
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         in.Role,
		Enabled:      true,
	}
	if user.Role == "" {
		user.Role = database.RoleEditor
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

// Update applies in to user id. Disabling an account destroys its sessions.
// actorID may not disable or demote itself.
func (s *UserService) Update(ctx context.Context, actorID, id int64, in UpdateUserInput) (*database.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if actorID == id {
		if (in.Enabled != nil && !*in.Enabled) || (in.Role != nil && *in.Role != user.Role) {
			return nil, ErrSelfModification
		}
	}

	wasEnabled := user.Enabled
	if in.Name != nil {
		user.Name = strings.TrimSpace(*in.Name)
	}
	if in.Role != nil {
		user.Role = *in.Role
	}
	if in.Enabled != nil {
		user.Enabled = *in.Enabled
	}

	if err := s.users.Update(ctx, user); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if wasEnabled && !user.Enabled {
		revokeSessions(ctx, s.sessions, s.metrics, user.ID)
	}
	return user, nil
}

// Delete removes user id and its sessions.
func (s *UserService) Delete(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return ErrSelfModification
	}
	if err := s.users.Delete(ctx, id); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return ErrNotFound
		}
		return err
	}
	revokeSessions(ctx, s.sessions, s.metrics, id)
	return nil
}
