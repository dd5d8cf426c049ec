package service

import (
	"context"
	"time"

	"naturecms/internal/server/database"
)

// UserRepository is the subset of database.UserRepository the services use.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (*database.User, error)
	GetByID(ctx context.Context, id int64) (*database.User, error)
	List(ctx context.Context) ([]*database.User, error)
	Create(ctx context.Context, u *database.User) error
	Update(ctx context.Context, u *database.User) error
	UpdatePassword(ctx context.Context, id int64, hash string) error
	TouchLogin(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
}

// FileRepository is the subset of database.FileRepository the upload
// service uses.
type FileRepository interface {
	Create(ctx context.Context, f *database.UploadedFile) error
	Get(ctx context.Context, feature, storageName string) (*database.UploadedFile, error)
	ListByFeature(ctx context.Context, feature string) ([]*database.UploadedFile, error)
	Delete(ctx context.Context, feature, storageName string) error
}

// SessionRevoker removes every session of a user. session.Store satisfies it.
type SessionRevoker interface {
	DestroyByUserID(ctx context.Context, userID int64) (int, error)
}
