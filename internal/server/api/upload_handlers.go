package api

import (
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"naturecms/internal/server/service"

	"github.com/labstack/echo/v4"
)

// openUploads reads the "files" (or single "file") parts of a multipart
// request. The returned closer releases every opened part.
func openUploads(c echo.Context) ([]service.Upload, func(), error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, func() {}, echo.NewHTTPError(http.StatusBadRequest, "multipart form with files is required")
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	captions := form.Value["captions"]

	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	uploads := make([]service.Upload, 0, len(headers))
	for i, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("failed to read uploaded file: %w", err)
		}
		opened = append(opened, src)

		up := service.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Size:        fh.Size,
			Body:        src,
		}
		if i < len(captions) {
			up.Caption = captions[i]
		}
		uploads = append(uploads, up)
	}
	return uploads, closeAll, nil
}

func uploaderID(c echo.Context) *int64 {
	if u := currentUser(c); u != nil {
		id := u.ID
		return &id
	}
	return nil
}

// HandleUploadImages handles POST /api/admin/uploads/images.
// Each image is processed on its own; the response lists successes and
// failures side by side.
func (h *Handler) HandleUploadImages(c echo.Context) error {
	uploads, closeAll, err := openUploads(c)
	if err != nil {
		return err
	}
	defer closeAll()

	result, err := h.uploads.SaveImages(c.Request().Context(), c.FormValue("feature"), uploads, uploaderID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return respondBatch(c, result)
}

// HandleUploadFiles handles POST /api/admin/uploads/files.
func (h *Handler) HandleUploadFiles(c echo.Context) error {
	uploads, closeAll, err := openUploads(c)
	if err != nil {
		return err
	}
	defer closeAll()

	result, err := h.uploads.SaveFiles(c.Request().Context(), c.FormValue("feature"), uploads, uploaderID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return respondBatch(c, result)
}

// respondBatch answers 201 when anything was stored and 400 when nothing was.
func respondBatch(c echo.Context, result *service.BatchResult) error {
	if len(result.Succeeded) == 0 {
		return c.JSON(http.StatusBadRequest, envelope{Success: false, Data: result, Message: result.Message()})
	}
	return respond(c, http.StatusCreated, result, result.Message())
}

// HandleListUploads handles GET /api/admin/uploads?feature=.
func (h *Handler) HandleListUploads(c echo.Context) error {
	files, err := h.uploads.List(c.Request().Context(), c.QueryParam("feature"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, files, "")
}

// HandleDeleteUpload handles DELETE /api/admin/uploads/:feature/:name.
func (h *Handler) HandleDeleteUpload(c echo.Context) error {
	if err := h.uploads.Delete(c.Request().Context(), c.Param("feature"), c.Param("name")); err != nil {
		return mapServiceError(c, err)
	}
	return respond(c, http.StatusOK, nil, "file deleted")
}

// HandleDownload handles GET /api/files/:feature/:name.
// Serves the file as an attachment under its original name.
func (h *Handler) HandleDownload(c echo.Context) error {
	rec, rc, err := h.uploads.Open(c.Request().Context(), c.Param("feature"), c.Param("name"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, contentDisposition(rec.DisplayName))
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Cache-Control", "public, max-age=86400")
	if rec.Size > 0 {
		header.Set(echo.HeaderContentLength, fmt.Sprint(rec.Size))
	}

	if err := c.Stream(http.StatusOK, rec.ContentType, rc); err != nil {
		slog.Warn("download interrupted", "feature", rec.Feature, "storage_name", rec.StorageName, "error", err)
	}
	return nil
}

// contentDisposition builds an attachment header with a quoted ASCII
// fallback and an RFC 5987 UTF-8 filename.
func contentDisposition(name string) string {
	var ascii strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r >= 0x7f || r == '"' || r == '\\':
			ascii.WriteByte('_')
		default:
			ascii.WriteRune(r)
		}
	}

	const hex = "0123456789ABCDEF"
	var enc strings.Builder
	for _, b := range []byte(name) {
		if isAttrChar(b) {
			enc.WriteByte(b)
			continue
		}
		enc.WriteByte('%')
		enc.WriteByte(hex[b>>4])
		enc.WriteByte(hex[b&0x0f])
	}

	return `attachment; filename="` + ascii.String() + `"; filename*=UTF-8''` + enc.String()
}

func isAttrChar(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", b) >= 0
}
