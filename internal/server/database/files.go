package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
)

var ErrFileNotFound = errors.New("file not found")

const fileColumns = `id, feature, display_name, storage_name, content_type, size, caption, kind, uploaded_by, created_at`

// FileRepository tracks objects written by the upload pipeline.
type FileRepository struct {
	db *DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a file record.
func (r *FileRepository) Create(ctx context.Context, f *UploadedFile) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO uploaded_files (feature, display_name, storage_name, content_type, size, caption, kind, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`,
		f.Feature,
		f.DisplayName,
		f.StorageName,
		f.ContentType,
		f.Size,
		f.Caption,
		f.Kind,
		f.UploadedBy,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// Get retrieves a file record by feature and storage name.
func (r *FileRepository) Get(ctx context.Context, feature, storageName string) (*UploadedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var f UploadedFile
	err := pgxscan.Get(ctx, r.db.Pool, &f,
		`SELECT `+fileColumns+` FROM uploaded_files WHERE feature = $1 AND storage_name = $2`,
		feature, storageName)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return &f, nil
}

// ListByFeature returns the records of one feature, newest first.
func (r *FileRepository) ListByFeature(ctx context.Context, feature string) ([]*UploadedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var files []*UploadedFile
	if err := pgxscan.Select(ctx, r.db.Pool, &files,
		`SELECT `+fileColumns+` FROM uploaded_files WHERE feature = $1 ORDER BY created_at DESC, id DESC`,
		feature); err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	return files, nil
}

// Delete removes a file record.
func (r *FileRepository) Delete(ctx context.Context, feature, storageName string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM uploaded_files WHERE feature = $1 AND storage_name = $2", feature, storageName)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ExistingStorageNames reports which of the given storage names in feature
// have a record.
func (r *FileRepository) ExistingStorageNames(ctx context.Context, feature string, names []string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var found []string
	if err := pgxscan.Select(ctx, r.db.Pool, &found,
		`SELECT storage_name FROM uploaded_files WHERE feature = $1 AND storage_name = ANY($2)`,
		feature, names); err != nil {
		return nil, fmt.Errorf("failed to query storage names: %w", err)
	}

	existing := make(map[string]bool, len(found))
	for _, n := range found {
		existing[n] = true
	}
	return existing, nil
}
