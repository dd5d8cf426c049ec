package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"naturecms/internal/server/config"
	"naturecms/internal/server/database"
	"naturecms/internal/server/metrics"
	"naturecms/internal/server/storage"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Features are the content areas that own an upload directory.
var Features = []string{"news", "articles", "records", "locations"}

// ImageTypes is the MIME allowlist of the image pipeline.
var ImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

const defaultMaxPixels = 40_000_000

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Upload is one incoming file.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
	Caption     string
}

// StoredFile is returned after a file has been written.
type StoredFile struct {
	ID          int64     `json:"id"`
	Feature     string    `json:"feature"`
	DisplayName string    `json:"display_name"`
	StorageName string    `json:"storage_name"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Caption     string    `json:"caption,omitempty"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchFailure names a file that could not be stored and why.
type BatchFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// BatchResult reports partial success of a multi-file upload. Every input
// ends up in exactly one of the two lists.
type BatchResult struct {
	Succeeded []*StoredFile  `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Total is the number of files in the batch.
func (r *BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Message summarises the batch, e.g. "2/3 files uploaded successfully".
func (r *BatchResult) Message() string {
	return fmt.Sprintf("%d/%d files uploaded successfully", len(r.Succeeded), r.Total())
}

// UploadService writes files and resized images to storage and records them.
type UploadService struct {
	files   FileRepository
	store   storage.Store
	cfg     config.UploadConfig
	metrics *metrics.Metrics
}

// NewUploadService creates a new upload service.
func NewUploadService(files FileRepository, store storage.Store, cfg config.UploadConfig, m *metrics.Metrics) *UploadService {
	return &UploadService{
		files:   files,
		store:   store,
		cfg:     cfg,
		metrics: m,
	}
}

// ValidFeature reports whether feature owns an upload directory.
func ValidFeature(feature string) bool {
	return slices.Contains(Features, feature)
}

// SaveFile stores in as feature/UUID+ext without inspecting it. Callers
// validate with ValidateFiles first.
func (s *UploadService) SaveFile(ctx context.Context, feature string, in Upload, uploadedBy *int64) (*StoredFile, error) {
	if !ValidFeature(feature) {
		return nil, ErrUnknownFeature
	}

	displayName := sanitizeFilename(in.Filename)
	storageName := uuid.NewString() + fileExt(displayName)
	contentType := normalizeContentType(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	n, err := s.store.Save(ctx, storage.Key(feature, storageName), in.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	return s.record(ctx, &database.UploadedFile{
		Feature:     feature,
		DisplayName: displayName,
		StorageName: storageName,
		ContentType: contentType,
		Size:        n,
		Caption:     strings.TrimSpace(in.Caption),
		Kind:        database.KindFile,
		UploadedBy:  uploadedBy,
	})
}

// ValidateFiles checks count, size and type of a generic file batch.
func (s *UploadService) ValidateFiles(files []Upload) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > s.cfg.MaxFilesPerRequest {
		return fmt.Errorf("%w: at most %d per request", ErrTooManyFiles, s.cfg.MaxFilesPerRequest)
	}
	for _, f := range files {
		if f.Size > s.cfg.MaxFileSize {
			return fmt.Errorf("%w: %s", ErrFileTooLarge, sanitizeFilename(f.Filename))
		}
		if !slices.Contains(s.cfg.AllowedFileTypes, normalizeContentType(f.ContentType)) {
			return fmt.Errorf("%w: %s", ErrUnsupportedType, sanitizeFilename(f.Filename))
		}
	}
	return nil
}

// SaveFiles validates the batch as a whole and then stores each file.
func (s *UploadService) SaveFiles(ctx context.Context, feature string, files []Upload, uploadedBy *int64) (*BatchResult, error) {
	if !ValidFeature(feature) {
		return nil, ErrUnknownFeature
	}
	if err := s.ValidateFiles(files); err != nil {
		return nil, err
	}

	result := &BatchResult{Succeeded: []*StoredFile{}, Failed: []BatchFailure{}}
	for _, in := range files {
		stored, err := s.SaveFile(ctx, feature, in, uploadedBy)
		s.metrics.Upload(database.KindFile, err == nil)
		if err != nil {
			slog.Error("file upload failed", "feature", feature, "filename", in.Filename, "error", err)
			result.Failed = append(result.Failed, BatchFailure{Filename: sanitizeFilename(in.Filename), Error: failureMessage(err)})
			continue
		}
		result.Succeeded = append(result.Succeeded, stored)
	}
	return result, nil
}

// SaveImage checks the MIME type and size of in, decodes it, shrinks it to
// fit the configured box and stores it as feature/UUID.jpg.
func (s *UploadService) SaveImage(ctx context.Context, feature string, in Upload, uploadedBy *int64) (*StoredFile, error) {
	if !ValidFeature(feature) {
		return nil, ErrUnknownFeature
	}
	if !slices.Contains(ImageTypes, normalizeContentType(in.ContentType)) {
		return nil, ErrUnsupportedType
	}
	if in.Size > s.cfg.MaxImageSize {
		return nil, ErrFileTooLarge
	}

	// Read one byte past the limit so a lying Size is still caught.
	raw, err := io.ReadAll(io.LimitReader(in.Body, s.cfg.MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(raw)) > s.cfg.MaxImageSize {
		return nil, ErrFileTooLarge
	}

	// The header is checked first; a small compressed file can still
	// declare a pixel buffer of many gigabytes.
	hdr, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > s.maxPixels() {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, hdr.Width, hdr.Height)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, resize(src, s.cfg.ImageMaxWidth, s.cfg.ImageMaxHeight), &jpeg.Options{Quality: s.cfg.ImageJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	storageName := uuid.NewString() + ".jpg"
	n, err := s.store.Save(ctx, storage.Key(feature, storageName), &out)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	slog.Debug("image processed",
		"feature", feature,
		"source_format", format,
		"source_bytes", len(raw),
		"stored_bytes", n,
	)

	return s.record(ctx, &database.UploadedFile{
		Feature:     feature,
		DisplayName: sanitizeFilename(in.Filename),
		StorageName: storageName,
		ContentType: "image/jpeg",
		Size:        n,
		Caption:     strings.TrimSpace(in.Caption),
		Kind:        database.KindImage,
		UploadedBy:  uploadedBy,
	})
}

func (s *UploadService) maxPixels() int64 {
	if s.cfg.ImageMaxPixels > 0 {
		return s.cfg.ImageMaxPixels
	}
	return defaultMaxPixels
}

// SaveImages runs SaveImage over each input in order. One bad image does not
// stop the rest of the batch.
func (s *UploadService) SaveImages(ctx context.Context, feature string, ins []Upload, uploadedBy *int64) (*BatchResult, error) {
	if !ValidFeature(feature) {
		return nil, ErrUnknownFeature
	}
	if len(ins) == 0 {
		return nil, ErrNoFiles
	}
	if len(ins) > s.cfg.MaxFilesPerRequest {
		return nil, fmt.Errorf("%w: at most %d per request", ErrTooManyFiles, s.cfg.MaxFilesPerRequest)
	}

	result := &BatchResult{Succeeded: []*StoredFile{}, Failed: []BatchFailure{}}
	for _, in := range ins {
		stored, err := s.SaveImage(ctx, feature, in, uploadedBy)
		s.metrics.Upload(database.KindImage, err == nil)
		if err != nil {
			slog.Warn("image upload failed", "feature", feature, "filename", in.Filename, "error", err)
			result.Failed = append(result.Failed, BatchFailure{Filename: sanitizeFilename(in.Filename), Error: failureMessage(err)})
			continue
		}
		result.Succeeded = append(result.Succeeded, stored)
	}

	slog.Info("image batch processed", "feature", feature, "succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return result, nil
}

// Open returns the record and a reader for a stored file.
func (s *UploadService) Open(ctx context.Context, feature, storageName string) (*database.UploadedFile, io.ReadCloser, error) {
	if !ValidFeature(feature) {
		return nil, nil, ErrNotFound
	}

	rec, err := s.files.Get(ctx, feature, storageName)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	rc, err := s.store.Open(ctx, storage.Key(feature, storageName))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			slog.Error("file record has no stored object", "feature", feature, "storage_name", storageName)
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return rec, rc, nil
}

// List returns the stored files of a feature, newest first.
func (s *UploadService) List(ctx context.Context, feature string) ([]*StoredFile, error) {
	if !ValidFeature(feature) {
		return nil, ErrUnknownFeature
	}

	recs, err := s.files.ListByFeature(ctx, feature)
	if err != nil {
		return nil, err
	}
	out := make([]*StoredFile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toStoredFile(rec))
	}
	return out, nil
}

// Delete removes a stored file and its record.
func (s *UploadService) Delete(ctx context.Context, feature, storageName string) error {
	if !ValidFeature(feature) {
		return ErrNotFound
	}

	if _, err := s.files.Get(ctx, feature, storageName); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return err
	}

	// Continue with record deletion even if the object is already gone;
	// the cleanup service sweeps anything left behind.
	if err := s.store.Delete(ctx, storage.Key(feature, storageName)); err != nil {
		slog.Error("failed to delete file from storage", "feature", feature, "storage_name", storageName, "error", err)
	}

	if err := s.files.Delete(ctx, feature, storageName); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	slog.Info("file deleted", "feature", feature, "storage_name", storageName)
	return nil
}

func (s *UploadService) record(ctx context.Context, rec *database.UploadedFile) (*StoredFile, error) {
	if err := s.files.Create(ctx, rec); err != nil {
		// Clean up stored file on DB failure
		if delErr := s.store.Delete(ctx, storage.Key(rec.Feature, rec.StorageName)); delErr != nil {
			slog.Error("failed to remove object after record failure", "storage_name", rec.StorageName, "error", delErr)
		}
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	slog.Info("file stored",
		"feature", rec.Feature,
		"storage_name", rec.StorageName,
		"display_name", rec.DisplayName,
		"kind", rec.Kind,
		"size", rec.Size,
	)
	return toStoredFile(rec), nil
}

func toStoredFile(rec *database.UploadedFile) *StoredFile {
	return &StoredFile{
		ID:          rec.ID,
		Feature:     rec.Feature,
		DisplayName: rec.DisplayName,
		StorageName: rec.StorageName,
		URL:         "/api/files/" + rec.Feature + "/" + rec.StorageName,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		Caption:     rec.Caption,
		Kind:        rec.Kind,
		CreatedAt:   rec.CreatedAt,
	}
}

// fitWithin returns the largest size with the aspect ratio of w×h that fits
// in maxW×maxH. Images already inside the box keep their size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	ratio := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(float64(w)*ratio+0.5))
	nh := max(1, int(float64(h)*ratio+0.5))
	return min(nw, maxW), min(nh, maxH)
}

// resize scales src into the box and flattens it onto white, since JPEG has
// no alpha channel.
func resize(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxW, maxH)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// failureMessage is the per-file reason shown to the client.
func failureMessage(err error) string {
	for _, known := range []error{ErrUnsupportedType, ErrFileTooLarge, ErrImageTooLarge, ErrInvalidImage} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "failed to store file"
}

func normalizeContentType(ct string) string {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}

func fileExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !safeExt.MatchString(ext) {
		return ""
	}
	return ext
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:255-len(ext)], "") + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	return name
}
