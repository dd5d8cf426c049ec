package database

import "time"

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"

	KindImage = "image"
	KindFile  = "file"
)

// User is a back-office account.
type User struct {
	ID           int64      `db:"id"`
	Email        string     `db:"email"`
	Name         string     `db:"name"`
	PasswordHash string     `db:"password_hash"`
	Role         string     `db:"role"`
	Enabled      bool       `db:"enabled"`
	LastLoginAt  *time.Time `db:"last_login_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// UploadedFile records one object written by the upload pipeline.
type UploadedFile struct {
	ID          int64     `db:"id"`
	Feature     string    `db:"feature"`
	DisplayName string    `db:"display_name"`
	StorageName string    `db:"storage_name"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	Caption     string    `db:"caption"`
	Kind        string    `db:"kind"`
	UploadedBy  *int64    `db:"uploaded_by"`
	CreatedAt   time.Time `db:"created_at"`
}
