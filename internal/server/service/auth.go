package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"naturecms/internal/server/database"
	"naturecms/internal/server/metrics"
	"naturecms/internal/server/notify"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the email is unknown so that both
// failure paths spend the same bcrypt time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("naturecms-timing-equaliser"), bcrypt.DefaultCost)

// PasswordResetEvent is published for the mailer when a reset is requested.
type PasswordResetEvent struct {
	To        string    `json:"to"`
	Name      string    `json:"name"`
	ResetURL  string    `json:"reset_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthService authenticates users and manages their passwords.
type AuthService struct {
	users     UserRepository
	sessions  SessionRevoker
	tokens    *ResetTokens
	publisher notify.Publisher
	baseURL   string
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewAuthService creates a new auth service.
func NewAuthService(users UserRepository, sessions SessionRevoker, tokens *ResetTokens, publisher notify.Publisher, baseURL string, m *metrics.Metrics) *AuthService {
	return &AuthService{
		users:     users,
		sessions:  sessions,
		tokens:    tokens,
		publisher: publisher,
		baseURL:   strings.TrimRight(baseURL, "/"),
		metrics:   m,
		now:       time.Now,
	}
}

// Login checks email and password. A disabled account is reported only
// after the password has been verified.
func (s *AuthService) Login(ctx context.Context, email, password string) (*database.User, error) {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Info("login failed", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}
	if !user.Enabled {
		slog.Info("login refused for disabled account", "user_id", user.ID)
		return nil, ErrAccountDisabled
	}

	if err := s.users.TouchLogin(ctx, user.ID, s.now().UTC()); err != nil {
		slog.Warn("failed to record login time", "user_id", user.ID, "error", err)
	}

	slog.Info("login succeeded", "user_id", user.ID)
	return user, nil
}

// CurrentUser reloads the user behind a session and rejects disabled or
// deleted accounts.
func (s *AuthService) CurrentUser(ctx context.Context, id int64) (*database.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !user.Enabled {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

// ChangePassword verifies current, stores next and logs the user out of
// every session. The caller issues a fresh session afterwards.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrWrongPassword
	}

	if err := s.setPassword(ctx, user.ID, next); err != nil {
		return err
	}
	slog.Info("password changed", "user_id", user.ID)
	return nil
}

// ForgotPassword publishes a reset link for an enabled account. Unknown or
// disabled emails succeed silently so the response never reveals which
// addresses exist.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			slog.Info("password reset requested for unknown email")
			return nil
		}
		return err
	}
	if !user.Enabled {
		slog.Info("password reset requested for disabled account", "user_id", user.ID)
		return nil
	}

	token, expires, err := s.tokens.Issue(user.ID, user.PasswordHash)
	if err != nil {
		return err
	}

	event := PasswordResetEvent{
		To:        user.Email,
		Name:      user.Name,
		ResetURL:  s.baseURL + "/reset-password?token=" + url.QueryEscape(token),
		ExpiresAt: expires,
	}
	if err := s.publisher.Publish(ctx, notify.SubjectPasswordReset, event); err != nil {
		slog.Error("failed to publish password reset", "user_id", user.ID, "error", err)
		return nil
	}

	slog.Info("password reset issued", "user_id", user.ID, "expires_at", expires)
	return nil
}

// VerifyResetToken returns the user a reset token belongs to.
func (s *AuthService) VerifyResetToken(ctx context.Context, token string) (*database.User, error) {
	id, fp, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.Enabled || !s.tokens.Matches(fp, user.PasswordHash) {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// ResetPassword sets a new password from a reset token and logs the user
// out everywhere. The token cannot be replayed since the hash it is bound
// to has changed.
func (s *AuthService) ResetPassword(ctx context.Context, token, next string) error {
	user, err := s.VerifyResetToken(ctx, token)
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, user.ID, next); err != nil {
		return err
	}
	slog.Info("password reset completed", "user_id", user.ID)
	return nil
}

func (s *AuthService) setPassword(ctx context.Context, userID int64, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	revokeSessions(ctx, s.sessions, s.metrics, userID)
	return nil
}

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

// HashPassword bcrypt-hashes a password with the default cost.
func HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// revokeSessions logs a user out everywhere. Failures are logged; the
// sessions then expire on their own TTL.
func revokeSessions(ctx context.Context, sessions SessionRevoker, m *metrics.Metrics, userID int64) {
	if sessions == nil {
		return
	}
	n, err := sessions.DestroyByUserID(ctx, userID)
	m.SessionsDestroyed(n)
	if err != nil {
		slog.Error("failed to destroy user sessions", "user_id", userID, "removed", n, "error", err)
		return
	}
	slog.Info("user sessions destroyed", "user_id", userID, "removed", n)
}
