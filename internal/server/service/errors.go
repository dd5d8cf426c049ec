package service

import "errors"

// Sentinel errors for the service layer.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrWrongPassword      = errors.New("current password is incorrect")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already in use")
	ErrSelfModification   = errors.New("cannot disable, demote or delete your own account")
	ErrPasswordTooLong    = errors.New("password exceeds 72 bytes")

	ErrUnknownFeature  = errors.New("unknown upload feature")
	ErrNoFiles         = errors.New("no files provided")
	ErrTooManyFiles    = errors.New("too many files")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrInvalidImage    = errors.New("invalid or corrupt image")
	ErrImageTooLarge   = errors.New("image dimensions exceed the allowed pixel count")
)
