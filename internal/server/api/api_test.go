package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"naturecms/internal/server/config"
	"naturecms/internal/server/database"
	"naturecms/internal/server/kv"
	"naturecms/internal/server/notify"
	"naturecms/internal/server/ratelimit"
	"naturecms/internal/server/service"
	"naturecms/internal/server/session"
	"naturecms/internal/server/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

const (
	adminEmail    = "admin@reserve.org"
	editorEmail   = "editor@reserve.org"
	disabledEmail = "former@reserve.org"
	testPassword  = "correct horse battery"
)

type testEnv struct {
	e     *echo.Echo
	mr    *miniredis.Miniredis
	users *memUsers
	files *memFiles

	admin  *database.User
	editor *database.User
}

func testConfig() *config.Config {
	return &config.Config{
		Env:              config.EnvProduction,
		BaseURL:          "http://cms.test",
		CORSAllowOrigins: []string{"http://localhost:4321"},
		CSRF: config.CSRFConfig{
			CookieName:        "csrf_token",
			HeaderName:        "X-CSRF-Token",
			ProtectedPrefixes: []string{"/api/admin", "/api/auth/logout", "/api/auth/change-password"},
			FailOpen:          true,
		},
		Upload: config.UploadConfig{
			MaxFileSize:        1 << 20,
			MaxImageSize:       1 << 20,
			MaxFilesPerRequest: 5,
			AllowedFileTypes:   []string{"application/pdf", "text/plain"},
			ImageMaxWidth:      100,
			ImageMaxHeight:     100,
			ImageJPEGQuality:   80,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := session.NewStore(rdb, session.StoreOptions{Prefix: "sess:"})
	sessions := session.NewManager(store, session.ManagerOptions{CookieName: "sid", TTL: time.Hour, Rolling: true})
	limiter := ratelimit.New(rdb, ratelimit.Options{Prefix: "rl:", FailOpen: true, TrustProxy: true})

	files := storage.NewFileSystemStore(t.TempDir(), service.Features...)
	if err := files.EnsureDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	users := newMemUsers()
	records := newMemFiles()
	publisher := notify.NewLogPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tokens := service.NewResetTokens("test-secret", time.Hour)

	h := NewHandler(Deps{
		Auth:     service.NewAuthService(users, store, tokens, publisher, cfg.BaseURL, nil),
		Users:    service.NewUserService(users, store, nil),
		Uploads:  service.NewUploadService(records, files, cfg.Upload, nil),
		Forms:    service.NewFormService(publisher),
		Sessions: sessions,
		Limiter:  limiter,
		Health: []HealthCheck{{
			Name:  "redis",
			Check: func(ctx context.Context) error { return kv.HealthCheck(ctx, rdb) },
		}},
	})

	env := &testEnv{
		e:     SetupRouter(h, cfg),
		mr:    mr,
		users: users,
		files: records,
	}
	env.admin = users.add(adminEmail, testPassword, database.RoleAdmin, true)
	env.editor = users.add(editorEmail, testPassword, database.RoleEditor, true)
	users.add(disabledEmail, testPassword, database.RoleEditor, false)
	return env
}

// client keeps cookies between requests like a browser would.
type client struct {
	env     *testEnv
	ip      string
	cookies map[string]*http.Cookie
}

func (env *testEnv) client(ip string) *client {
	return &client{env: env, ip: ip, cookies: map[string]*http.Cookie{}}
}

func (cl *client) do(req *http.Request) *httptest.ResponseRecorder {
	req.Header.Set("X-Forwarded-For", cl.ip)
	for _, ck := range cl.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	cl.env.e.ServeHTTP(rec, req)

	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 || ck.Value == "" {
			delete(cl.cookies, ck.Name)
			continue
		}
		cl.cookies[ck.Name] = ck
	}
	return rec
}

func (cl *client) get(path string) *httptest.ResponseRecorder {
	return cl.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (cl *client) postJSON(path string, body any, csrfToken string) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if csrfToken != "" {
		req.Header.Set("X-CSRF-Token", csrfToken)
	}
	return cl.do(req)
}

func (cl *client) login(t *testing.T, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	return cl.postJSON("/api/auth/login", map[string]string{"email": email, "password": password}, "")
}

func (cl *client) csrfToken(t *testing.T) string {
	t.Helper()
	rec := cl.get("/api/csrf-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf-token: expected 200, got %d", rec.Code)
	}
	var data struct {
		Token string `json:"token"`
	}
	decode(t, rec, &data)
	if data.Token == "" {
		t.Fatal("expected a CSRF token")
	}
	return data.Token
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Errors  []FieldError    `json:"errors"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("failed to decode data %s: %v", env.Data, err)
		}
	}
	return env
}

func (env *testEnv) sessionKeys() []string {
	var keys []string
	for _, k := range env.mr.Keys() {
		if strings.HasPrefix(k, "sess:") {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.client("192.0.2.10").get("/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Status != "healthy" || body.Dependencies["redis"] != "connected" {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestLogin(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.11")

		rec := cl.login(t, adminEmail, testPassword)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		sid := cl.cookies["sid"]
		if sid == nil || !sid.HttpOnly {
			t.Fatalf("expected HttpOnly sid cookie, got %+v", sid)
		}
		if !env.mr.Exists("sess:" + sid.Value) {
			t.Fatal("expected session stored in redis")
		}

		rec = cl.get("/api/auth/me")
		if rec.Code != http.StatusOK {
			t.Fatalf("me: expected 200, got %d", rec.Code)
		}
		var data struct {
			User userView `json:"user"`
		}
		decode(t, rec, &data)
		if data.User.Email != adminEmail || data.User.Role != database.RoleAdmin {
			t.Errorf("unexpected user: %+v", data.User)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.client("192.0.2.12").login(t, adminEmail, "wrong password!")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if env := decode(t, rec, nil); env.Success || env.Message != "invalid email or password" {
			t.Errorf("unexpected body: %+v", env)
		}
	})

	t.Run("disabled account gets no session", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.client("192.0.2.13").login(t, disabledEmail, testPassword)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if keys := env.sessionKeys(); len(keys) != 0 {
			t.Errorf("expected no sessions, got %v", keys)
		}
	})

	t.Run("invalid body is reported per field", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.client("192.0.2.14").postJSON("/api/auth/login", map[string]string{"email": "not-an-email"}, "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
		body := decode(t, rec, nil)
		fields := map[string]bool{}
		for _, fe := range body.Errors {
			fields[fe.Field] = true
		}
		if !fields["email"] || !fields["password"] {
			t.Errorf("expected email and password errors, got %+v", body.Errors)
		}
	})

	t.Run("sixth failed attempt is rate limited", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.15")
		for i := 1; i <= 5; i++ {
			if rec := cl.login(t, adminEmail, "wrong password!"); rec.Code != http.StatusUnauthorized {
				t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
			}
		}
		rec := cl.login(t, adminEmail, testPassword)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}

		if rec := env.client("198.51.100.15").login(t, adminEmail, testPassword); rec.Code != http.StatusOK {
			t.Errorf("other client: expected 200, got %d", rec.Code)
		}
	})

	t.Run("successful logins are not counted", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.16")
		for i := 1; i <= 8; i++ {
			if rec := cl.login(t, editorEmail, testPassword); rec.Code != http.StatusOK {
				t.Fatalf("login %d: expected 200, got %d", i, rec.Code)
			}
		}
	})
}

func TestLogout_RequiresCSRFToken(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.20")
	if rec := cl.login(t, editorEmail, testPassword); rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	sid := cl.cookies["sid"].Value

	rec := cl.postJSON("/api/auth/logout", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("without token: expected 403, got %d", rec.Code)
	}
	if !env.mr.Exists("sess:" + sid) {
		t.Fatal("session must survive a rejected logout")
	}

	token := cl.csrfToken(t)
	rec = cl.postJSON("/api/auth/logout", nil, "forged-"+token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched token: expected 403, got %d", rec.Code)
	}

	rec = cl.postJSON("/api/auth/logout", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.mr.Exists("sess:" + sid) {
		t.Error("expected session removed")
	}
	if rec := cl.get("/api/auth/me"); rec.Code != http.StatusUnauthorized {
		t.Errorf("me after logout: expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	t.Run("anonymous", func(t *testing.T) {
		env := newTestEnv(t)
		if rec := env.client("192.0.2.30").get("/api/admin/users"); rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("editor cannot manage users", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.31")
		cl.login(t, editorEmail, testPassword)
		if rec := cl.get("/api/admin/users"); rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("admin lists users", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.32")
		cl.login(t, adminEmail, testPassword)
		rec := cl.get("/api/admin/users")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "password") {
			t.Error("password hash must not be exposed")
		}
	})

	t.Run("account disabled after login loses access", func(t *testing.T) {
		env := newTestEnv(t)
		cl := env.client("192.0.2.33")
		cl.login(t, editorEmail, testPassword)
		sid := cl.cookies["sid"].Value

		env.users.setEnabled(env.editor.ID, false)

		if rec := cl.get("/api/auth/me"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if env.mr.Exists("sess:" + sid) {
			t.Error("expected stale session destroyed")
		}
	})
}

func TestAdminDisableUser_RevokesSessions(t *testing.T) {
	env := newTestEnv(t)

	editor := env.client("192.0.2.40")
	editor.login(t, editorEmail, testPassword)
	editorSID := editor.cookies["sid"].Value

	admin := env.client("192.0.2.41")
	admin.login(t, adminEmail, testPassword)
	token := admin.csrfToken(t)

	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/api/admin/users/%d", env.editor.ID), strings.NewReader(`{"enabled":false}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-CSRF-Token", token)
	rec := admin.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.mr.Exists("sess:" + editorSID) {
		t.Error("expected the editor's session to be revoked")
	}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 30, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, files []formFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, f.name))
		hdr.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(f.data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadImages_PartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.50")
	cl.login(t, editorEmail, testPassword)
	token := cl.csrfToken(t)

	body, contentType := multipartBody(t, map[string]string{"feature": "news"}, []formFile{
		{name: "owl.png", contentType: "image/png", data: pngImage(t, 400, 200)},
		{name: "broken.png", contentType: "image/png", data: []byte("not an image at all")},
		{name: "heron.png", contentType: "image/png", data: pngImage(t, 50, 50)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/uploads/images", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Header.Set("X-CSRF-Token", token)
	rec := cl.do(req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result service.BatchResult
	envl := decode(t, rec, &result)
	if envl.Message != "2/3 files uploaded successfully" {
		t.Errorf("unexpected message %q", envl.Message)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 1 {
		t.Fatalf("expected 2 succeeded and 1 failed, got %d/%d", len(result.Succeeded), len(result.Failed))
	}
	if result.Failed[0].Filename != "broken.png" {
		t.Errorf("expected broken.png to fail, got %q", result.Failed[0].Filename)
	}

	stored := result.Succeeded[0]
	if stored.ContentType != "image/jpeg" || !strings.HasSuffix(stored.StorageName, ".jpg") {
		t.Errorf("expected a jpeg, got %+v", stored)
	}

	dl := cl.get(stored.URL)
	if dl.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", dl.Code)
	}
	if got := dl.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="owl.png"; filename*=UTF-8''owl.png` {
		t.Errorf("unexpected Content-Disposition %q", got)
	}
	if got := dl.Header().Get(echo.HeaderContentType); got != "image/jpeg" {
		t.Errorf("unexpected Content-Type %q", got)
	}
	cfg, format, err := image.DecodeConfig(dl.Body)
	if err != nil {
		t.Fatalf("downloaded body is not an image: %v", err)
	}
	if format != "jpeg" || cfg.Width != 100 || cfg.Height != 50 {
		t.Errorf("expected 100x50 jpeg, got %dx%d %s", cfg.Width, cfg.Height, format)
	}
}

func TestUploadImages_AllFailed(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.51")
	cl.login(t, adminEmail, testPassword)
	token := cl.csrfToken(t)

	body, contentType := multipartBody(t, map[string]string{"feature": "records"}, []formFile{
		{name: "logo.svg", contentType: "image/svg+xml", data: []byte("<svg/>")},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/uploads/images", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Header.Set("X-CSRF-Token", token)
	rec := cl.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if envl := decode(t, rec, nil); envl.Message != "0/1 files uploaded successfully" {
		t.Errorf("unexpected message %q", envl.Message)
	}
}

func TestUploads_RequireCSRFToken(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.52")
	cl.login(t, adminEmail, testPassword)

	body, contentType := multipartBody(t, map[string]string{"feature": "news"}, []formFile{
		{name: "owl.png", contentType: "image/png", data: pngImage(t, 10, 10)},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/uploads/images", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	if rec := cl.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestDownload_Unknown(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.53")
	for _, path := range []string{"/api/files/news/missing.jpg", "/api/files/secrets/a.jpg"} {
		if rec := cl.get(path); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestContactForm(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.60")
	msg := map[string]string{
		"name":    "Visitor",
		"email":   "visitor@example.org",
		"message": "I spotted a kingfisher near the bridge.",
	}
	for i := 1; i <= 5; i++ {
		if rec := cl.postJSON("/api/contact", msg, ""); rec.Code != http.StatusOK {
			t.Fatalf("message %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	if rec := cl.postJSON("/api/contact", msg, ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain ascii", "report.pdf", `attachment; filename="report.pdf"; filename*=UTF-8''report.pdf`},
		{"space", "annual report.pdf", `attachment; filename="annual report.pdf"; filename*=UTF-8''annual%20report.pdf`},
		{"non-ascii", "Żubr łąka.jpg", `attachment; filename="_ubr __ka.jpg"; filename*=UTF-8''%C5%BBubr%20%C5%82%C4%85ka.jpg`},
		{"quote and backslash", `a"b\c.txt`, `attachment; filename="a_b_c.txt"; filename*=UTF-8''a%22b%5Cc.txt`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contentDisposition(tt.input); got != tt.expected {
				t.Errorf("contentDisposition(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestUploadBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxFileSize = 2 << 20
	cfg.Upload.MaxImageSize = 1 << 20
	cfg.Upload.MaxFilesPerRequest = 3
	if got := uploadBodyLimit(cfg); got != "7168K" {
		t.Errorf("expected 7168K, got %s", got)
	}
}

func TestNewPassword_LongerThanBcryptAccepts(t *testing.T) {
	env := newTestEnv(t)
	cl := env.client("192.0.2.70")
	cl.login(t, adminEmail, testPassword)
	token := cl.csrfToken(t)

	tests := []struct {
		name     string
		path     string
		field    string
		password string
	}{
		{"change password ascii", "/api/auth/change-password", "new_password", strings.Repeat("a", 100)},
		{"change password multibyte", "/api/auth/change-password", "new_password", strings.Repeat("ą", 40)},
		{"create user", "/api/admin/users", "password", strings.Repeat("b", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]string{
				"current_password": testPassword,
				"new_password":     tt.password,
				"email":            "new@reserve.org",
				"name":             "New Ranger",
				"password":         tt.password,
			}
			rec := cl.postJSON(tt.path, body, token)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
			}
			envl := decode(t, rec, nil)
			found := false
			for _, fe := range envl.Errors {
				if fe.Field == tt.field && fe.Message == "must be at most 72 bytes" {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s byte-length error, got %+v", tt.field, envl.Errors)
			}
		})
	}

	if rec := cl.get("/api/auth/me"); rec.Code != http.StatusOK {
		t.Errorf("session must survive rejected changes, got %d", rec.Code)
	}
}
