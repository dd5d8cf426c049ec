package ratelimit

import "time"

// Policy is a named (max, window) parameterization of the limiter.
type Policy struct {
	Name   string
	Max    int64
	Window time.Duration

	// SkipSuccessful and SkipFailed give the hit back after the handler ran
	// with a status below 400 or at/above 400 respectively.
	SkipSuccessful bool
	SkipFailed     bool

	Message string
}

var (
	Auth = Policy{
		Name:           "auth",
		Max:            5,
		Window:         15 * time.Minute,
		SkipSuccessful: true,
		Message:        "too many login attempts, please try again later",
	}
	PasswordReset = Policy{
		Name:    "password-reset",
		Max:     3,
		Window:  time.Hour,
		Message: "too many password reset requests, please try again later",
	}
	ContactForm = Policy{
		Name:    "contact-form",
		Max:     5,
		Window:  time.Hour,
		Message: "too many messages sent, please try again later",
	}
	JoinForm = Policy{
		Name:    "join-form",
		Max:     3,
		Window:  time.Hour,
		Message: "too many applications sent, please try again later",
	}
	General = Policy{
		Name:    "general",
		Max:     100,
		Window:  15 * time.Minute,
		Message: "too many requests, please try again later",
	}
	TokenVerification = Policy{
		Name:    "token-verification",
		Max:     10,
		Window:  15 * time.Minute,
		Message: "too many verification attempts, please try again later",
	}
)

// Policies lists every named policy the API applies.
var Policies = []Policy{Auth, PasswordReset, ContactForm, JoinForm, General, TokenVerification}
