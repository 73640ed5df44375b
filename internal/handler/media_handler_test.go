package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/middleware"
	"moments-media/internal/processor"
	"moments-media/internal/services"
	"moments-media/internal/session"
	"moments-media/internal/tempfile"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	got     upload.Request
	async   bool
	err     error
	session uuid.UUID
}

func (u *fakeUploader) Upload(_ context.Context, req upload.Request) (services.Outcome, error) {
	u.got = req
	if u.err != nil {
		return services.Outcome{}, u.err
	}
	return services.Outcome{
		Result:   upload.Result{Success: true, Filename: req.Filename, MimeType: req.MimeType, Status: upload.StatusCompleted},
		Analysis: upload.FileAnalysis{Type: upload.TypeImage, Strategy: upload.StrategyDirect, EstimatedProcessingTime: 1500 * time.Millisecond},
	}, nil
}

func (u *fakeUploader) UploadAsync(_ context.Context, req upload.Request) (uuid.UUID, upload.FileAnalysis, error) {
	u.got = req
	u.async = true
	return u.session, upload.FileAnalysis{Type: upload.TypeVideo, Strategy: upload.StrategyStream}, u.err
}

type fakeLibrary struct {
	records   []upload.Record
	lastLimit int
}

func (l *fakeLibrary) GetByID(_ context.Context, id uuid.UUID) (*upload.Record, error) {
	for i := range l.records {
		if l.records[i].ID == id {
			return &l.records[i], nil
		}
	}
	return nil, media_errors.ErrNotFound
}

func (l *fakeLibrary) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]upload.Record, error) {
	l.lastLimit = limit
	var out []upload.Record
	for _, r := range l.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeSessions struct {
	snaps     map[uuid.UUID]session.Snapshot
	cancelled []uuid.UUID
}

func (s *fakeSessions) Get(id uuid.UUID) (session.Snapshot, bool) {
	snap, ok := s.snaps[id]
	return snap, ok
}

func (s *fakeSessions) Cancel(id uuid.UUID) bool {
	s.cancelled = append(s.cancelled, id)
	return true
}

func (s *fakeSessions) Stats() session.Stats {
	return session.Stats{Total: len(s.snaps), Active: len(s.snaps)}
}

type fakeTemp struct{}

func (fakeTemp) Stats() tempfile.Stats { return tempfile.Stats{Files: 3, TotalSize: 42} }

type fakeCatalog struct{}

func (fakeCatalog) Processors() []processor.ProcessorInfo {
	return []processor.ProcessorInfo{{Name: "image", Type: upload.TypeImage, MIMETypes: []string{"image/png"}}}
}

func newRouter(h *MediaHandler, user uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.NewNop()))
	r.Use(func(c *gin.Context) {
		if user != uuid.Nil {
			c.Request = c.Request.WithContext(services.WithUserContext(c.Request.Context(), user))
		}
		c.Next()
	})
	r.POST("/v1/media", h.Upload)
	r.GET("/v1/media", h.List)
	r.GET("/v1/media/processors", h.Processors)
	r.GET("/v1/media/sessions/stats", h.SessionStats)
	r.GET("/v1/media/sessions/:id", h.GetSession)
	r.DELETE("/v1/media/sessions/:id", h.CancelSession)
	r.GET("/v1/media/temp/stats", h.TempStats)
	r.GET("/v1/media/:id", h.Get)
	return r
}

type part struct {
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, file *part, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+file.filename+`"`)
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		fw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = fw.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestUploadSync(t *testing.T) {
	uploader := &fakeUploader{}
	user := uuid.New()
	r := newRouter(NewMediaHandler(uploader, &fakeLibrary{}, &fakeSessions{}, fakeTemp{}, fakeCatalog{}, 1<<20), user)

	postID := uuid.New()
	body, ct := multipartBody(t, &part{filename: "cat.png", contentType: "image/png", data: pngMagic}, map[string]string{
		"skip_thumbnails":  "true",
		"max_width":        "640",
		"quality":          "70",
		"thumbnail_offset": "3",
		"preview_frames":   "4",
		"post_id":          postID.String(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, user, uploader.got.UserID)
	assert.Equal(t, "cat.png", uploader.got.Filename)
	assert.Equal(t, "image/png", uploader.got.MimeType)
	assert.True(t, uploader.got.Options.SkipThumbnails)
	assert.Equal(t, 640, uploader.got.Options.MaxWidth)
	assert.Equal(t, 70, uploader.got.Options.Quality)
	assert.Equal(t, 3*time.Second, uploader.got.Options.ThumbnailOffset)
	assert.Equal(t, 4, uploader.got.Options.PreviewFrames)
	require.NotNil(t, uploader.got.PostID)
	assert.Equal(t, postID, *uploader.got.PostID)

	out := decode(t, rec)
	data := out["data"].(map[string]any)
	assert.Equal(t, "cat.png", data["media"].(map[string]any)["filename"])
	assert.Equal(t, float64(1500), data["analysis"].(map[string]any)["estimated_processing_ms"])
}

func TestUploadSniffsGenericMIME(t *testing.T) {
	uploader := &fakeUploader{}
	r := newRouter(NewMediaHandler(uploader, &fakeLibrary{}, &fakeSessions{}, fakeTemp{}, fakeCatalog{}, 1<<20), uuid.New())

	body, ct := multipartBody(t, &part{filename: "cat.png", contentType: "application/octet-stream", data: pngMagic}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "image/png", uploader.got.MimeType)
}

func TestUploadAsync(t *testing.T) {
	sid := uuid.New()
	uploader := &fakeUploader{session: sid}
	r := newRouter(NewMediaHandler(uploader, &fakeLibrary{}, &fakeSessions{}, fakeTemp{}, fakeCatalog{}, 1<<20), uuid.New())

	body, ct := multipartBody(t, &part{filename: "clip.mp4", contentType: "video/mp4", data: []byte("....ftypisom")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/media?async=true", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, uploader.async)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, sid.String(), data["session_id"])
	assert.Equal(t, "/v1/media/ws/"+sid.String(), data["progress_url"])
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name   string
		user   uuid.UUID
		file   *part
		fields map[string]string
		err    error
		status int
		code   string
	}{
		{"no user", uuid.Nil, &part{filename: "a.png", data: pngMagic}, nil, nil, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"no file", uuid.New(), nil, nil, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad option", uuid.New(), &part{filename: "a.png", data: pngMagic}, map[string]string{"quality": "high"}, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"quality range", uuid.New(), &part{filename: "a.png", data: pngMagic}, map[string]string{"quality": "101"}, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"too many previews", uuid.New(), &part{filename: "a.png", data: pngMagic}, map[string]string{"preview_frames": "11"}, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad post id", uuid.New(), &part{filename: "a.png", data: pngMagic}, map[string]string{"post_id": "x"}, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"oversized", uuid.New(), &part{filename: "a.png", data: bytes.Repeat([]byte("a"), 3<<20)}, nil, nil, http.StatusBadRequest, "UPLOAD_VALIDATION_FAILED"},
		{
			"service denial", uuid.New(), &part{filename: "a.png", data: pngMagic}, nil,
			media_errors.NewForbidden("UPLOAD_FORBIDDEN", "upload not permitted: storage quota exceeded", media_errors.ErrForbidden),
			http.StatusForbidden, "UPLOAD_FORBIDDEN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploader := &fakeUploader{err: tt.err}
			r := newRouter(NewMediaHandler(uploader, &fakeLibrary{}, &fakeSessions{}, fakeTemp{}, fakeCatalog{}, 1<<20), tt.user)

			body, ct := multipartBody(t, tt.file, tt.fields)
			req := httptest.NewRequest(http.MethodPost, "/v1/media", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			out := decode(t, rec)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.code, out["code"])
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	owner := uuid.New()
	mine := uuid.New()
	theirs := uuid.New()
	sessions := &fakeSessions{snaps: map[uuid.UUID]session.Snapshot{
		mine:   {ID: mine, UserID: owner, Status: upload.StatusProcessing, Progress: 40},
		theirs: {ID: theirs, UserID: uuid.New(), Status: upload.StatusProcessing},
	}}
	r := newRouter(NewMediaHandler(&fakeUploader{}, &fakeLibrary{}, sessions, fakeTemp{}, fakeCatalog{}, 0), owner)

	get := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := get(http.MethodGet, "/v1/media/sessions/"+mine.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(40), decode(t, rec)["data"].(map[string]any)["progress"])

	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/v1/media/sessions/"+theirs.String()).Code)
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/v1/media/sessions/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, get(http.MethodGet, "/v1/media/sessions/nope").Code)

	assert.Equal(t, http.StatusNotFound, get(http.MethodDelete, "/v1/media/sessions/"+theirs.String()).Code)
	assert.Equal(t, http.StatusOK, get(http.MethodDelete, "/v1/media/sessions/"+mine.String()).Code)
	assert.Equal(t, []uuid.UUID{mine}, sessions.cancelled)

	rec = get(http.MethodGet, "/v1/media/sessions/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["data"].(map[string]any)["total"])

	rec = get(http.MethodGet, "/v1/media/temp/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["data"].(map[string]any)["files"])

	rec = get(http.MethodGet, "/v1/media/processors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"].(map[string]any)["processors"], 1)
}

func TestLibraryEndpoints(t *testing.T) {
	owner := uuid.New()
	postID := uuid.New()
	mine := upload.Record{ID: uuid.New(), UserID: owner, PostID: &postID, Type: upload.TypeImage, Filename: "a.webp", Status: upload.StatusCompleted, CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	theirs := upload.Record{ID: uuid.New(), UserID: uuid.New(), Filename: "b.webp"}
	library := &fakeLibrary{records: []upload.Record{mine, theirs}}
	r := newRouter(NewMediaHandler(&fakeUploader{}, library, &fakeSessions{}, fakeTemp{}, fakeCatalog{}, 0), owner)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/v1/media?limit=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxListLimit, library.lastLimit)
	items := decode(t, rec)["data"].(map[string]any)["media"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, postID.String(), items[0].(map[string]any)["post_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", items[0].(map[string]any)["created_at"])

	assert.Equal(t, http.StatusBadRequest, get("/v1/media?limit=-1").Code)

	rec = get("/v1/media/" + mine.ID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a.webp", decode(t, rec)["data"].(map[string]any)["filename"])

	assert.Equal(t, http.StatusNotFound, get("/v1/media/"+theirs.ID.String()).Code)
	assert.Equal(t, http.StatusNotFound, get("/v1/media/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/media/nope").Code)
}
