package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"naturecms/internal/server/notify"
)

// ContactMessage is a submission of the public contact form.
type ContactMessage struct {
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Subject    string    `json:"subject,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// JoinApplication is a submission of the volunteer/membership form.
type JoinApplication struct {
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// FormService forwards public form submissions to the message bus.
type FormService struct {
	publisher notify.Publisher
	now       func() time.Time
}

// NewFormService creates a new form service.
func NewFormService(publisher notify.Publisher) *FormService {
	return &FormService{publisher: publisher, now: time.Now}
}

func (s *FormService) SubmitContact(ctx context.Context, msg ContactMessage) error {
	msg.Name = strings.TrimSpace(msg.Name)
	msg.Email = strings.TrimSpace(msg.Email)
	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.ReceivedAt = s.now().UTC()

	if err := s.publisher.Publish(ctx, notify.SubjectContactForm, msg); err != nil {
		return fmt.Errorf("failed to forward contact message: %w", err)
	}
	slog.Info("contact message received", "subject_len", len(msg.Subject), "message_len", len(msg.Message))
	return nil
}

func (s *FormService) SubmitJoin(ctx context.Context, app JoinApplication) error {
	app.Name = strings.TrimSpace(app.Name)
	app.Email = strings.TrimSpace(app.Email)
	app.Phone = strings.TrimSpace(app.Phone)
	app.ReceivedAt = s.now().UTC()

	if err := s.publisher.Publish(ctx, notify.SubjectJoinForm, app); err != nil {
		return fmt.Errorf("failed to forward join application: %w", err)
	}
	slog.Info("join application received")
	return nil
}
