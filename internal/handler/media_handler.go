package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/processor"
	"moments-media/internal/services"
	"moments-media/internal/session"
	"moments-media/internal/tempfile"
	"moments-media/internal/transport/httpdto"
	media_errors "moments-media/pkg/errors"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// multipartOverhead is allowed on top of the file limit for boundaries and
// form fields.
const multipartOverhead = 1 << 20

type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (services.Outcome, error)
	UploadAsync(ctx context.Context, req upload.Request) (uuid.UUID, upload.FileAnalysis, error)
}

type SessionRegistry interface {
	Get(id uuid.UUID) (session.Snapshot, bool)
	Cancel(id uuid.UUID) bool
	Stats() session.Stats
}

type TempStats interface {
	Stats() tempfile.Stats
}

type ProcessorCatalog interface {
	Processors() []processor.ProcessorInfo
}

// Library reads persisted uploads.
type Library interface {
	GetByID(ctx context.Context, id uuid.UUID) (*upload.Record, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]upload.Record, error)
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type MediaHandler struct {
	uploader   Uploader
	library    Library
	sessions   SessionRegistry
	temp       TempStats
	processors ProcessorCatalog
	maxBytes   int64
}

func NewMediaHandler(uploader Uploader, library Library, sessions SessionRegistry, temp TempStats, processors ProcessorCatalog, maxFileSize int64) *MediaHandler {
	return &MediaHandler{
		uploader:   uploader,
		library:    library,
		sessions:   sessions,
		temp:       temp,
		processors: processors,
		maxBytes:   maxFileSize,
	}
}

// Upload handles POST /v1/media. With async=true it answers 202 as soon as
// the upload session exists.
func (h *MediaHandler) Upload(c *gin.Context) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(media_errors.ErrUnauthorized)
		return
	}
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(media_errors.NewBadRequest("UPLOAD_VALIDATION_FAILED", "The file exceeds the maximum upload size.", err))
			return
		}
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "A file field is required.", err))
		return
	}
	data, err := readPart(fh)
	if err != nil {
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "The file could not be read.", err))
		return
	}

	opts, postID, err := parseOptions(c)
	if err != nil {
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", err.Error(), err))
		return
	}

	req := upload.Request{
		Data:     data,
		Filename: fh.Filename,
		MimeType: declaredMIME(fh, data),
		UserID:   userID,
		PostID:   postID,
		Options:  opts,
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		id, analysis, err := h.uploader.UploadAsync(c.Request.Context(), req)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(httpdto.AcceptedUploadResponse{
			SessionID:   id.String(),
			StatusURL:   "/v1/media/sessions/" + id.String(),
			ProgressURL: "/v1/media/ws/" + id.String(),
			Analysis:    httpdto.NewAnalysisDTO(analysis),
		}))
		return
	}

	out, err := h.uploader.Upload(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.UploadResponse{
		Media:    out.Result,
		Analysis: httpdto.NewAnalysisDTO(out.Analysis),
	}))
}

// List handles GET /v1/media, newest first.
func (h *MediaHandler) List(c *gin.Context) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		_ = c.Error(media_errors.ErrUnauthorized)
		return
	}
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "limit must be a positive integer", err))
			return
		}
		limit = min(n, maxListLimit)
	}
	records, err := h.library.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]httpdto.RecordDTO, 0, len(records))
	for _, r := range records {
		items = append(items, httpdto.NewRecordDTO(r))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"media": items}))
}

// Get handles GET /v1/media/:id. Records of other users are reported as
// missing.
func (h *MediaHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "invalid media id", err))
		return
	}
	userID, _ := services.UserIDFromContext(c.Request.Context())
	record, err := h.library.GetByID(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if record.UserID != userID {
		_ = c.Error(media_errors.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewRecordDTO(*record)))
}

// GetSession handles GET /v1/media/sessions/:id. Sessions of other users are
// reported as missing.
func (h *MediaHandler) GetSession(c *gin.Context) {
	snap, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(snap))
}

// CancelSession handles DELETE /v1/media/sessions/:id.
func (h *MediaHandler) CancelSession(c *gin.Context) {
	snap, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if !h.sessions.Cancel(snap.ID) {
		_ = c.Error(media_errors.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"cancelled": snap.ID}))
}

func (h *MediaHandler) SessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(h.sessions.Stats()))
}

func (h *MediaHandler) TempStats(c *gin.Context) {
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(h.temp.Stats()))
}

func (h *MediaHandler) Processors(c *gin.Context) {
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"processors": h.processors.Processors()}))
}

func (h *MediaHandler) ownedSession(c *gin.Context) (session.Snapshot, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(media_errors.NewBadRequest("INVALID_REQUEST", "invalid session id", err))
		return session.Snapshot{}, false
	}
	userID, _ := services.UserIDFromContext(c.Request.Context())
	snap, ok := h.sessions.Get(id)
	if !ok || snap.UserID != userID {
		_ = c.Error(media_errors.ErrNotFound)
		return session.Snapshot{}, false
	}
	return snap, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// declaredMIME trusts the part's Content-Type unless the client sent none or
// a generic one, in which case the content is sniffed.
func declaredMIME(fh *multipart.FileHeader, data []byte) string {
	declared := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if declared == "" || strings.HasPrefix(declared, "application/octet-stream") {
		return mimetype.Detect(data).String()
	}
	return declared
}

func parseOptions(c *gin.Context) (upload.Options, *uuid.UUID, error) {
	var opts upload.Options
	var err error

	boolField := func(name string, dst *bool) {
		if v := c.PostForm(name); v != "" && err == nil {
			*dst, err = strconv.ParseBool(v)
			if err != nil {
				err = errors.New(name + " must be a boolean")
			}
		}
	}
	intField := func(name string, dst *int) {
		if v := c.PostForm(name); v != "" && err == nil {
			*dst, err = strconv.Atoi(v)
			if err != nil || *dst < 0 {
				err = errors.New(name + " must be a non-negative integer")
			}
		}
	}

	boolField("skip_thumbnails", &opts.SkipThumbnails)
	boolField("skip_transcode", &opts.SkipTranscode)
	boolField("force_transcode", &opts.ForceTranscode)
	intField("max_width", &opts.MaxWidth)
	intField("max_height", &opts.MaxHeight)
	intField("quality", &opts.Quality)
	intField("preview_frames", &opts.PreviewFrames)
	var offset int
	intField("thumbnail_offset", &offset)
	if err != nil {
		return opts, nil, err
	}
	if opts.Quality > 100 {
		return opts, nil, errors.New("quality must be between 1 and 100")
	}
	if opts.PreviewFrames > processor.MaxPreviewFrames {
		return opts, nil, fmt.Errorf("preview_frames must be at most %d", processor.MaxPreviewFrames)
	}
	opts.ThumbnailOffset = time.Duration(offset) * time.Second

	var postID *uuid.UUID
	if v := c.PostForm("post_id"); v != "" {
		id, perr := uuid.Parse(v)
		if perr != nil {
			return opts, nil, errors.New("post_id must be a uuid")
		}
		postID = &id
	}
	return opts, postID, nil
}
