package permission

import (
	"context"
	"fmt"
	"time"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deny reasons.
const (
	ReasonFileTooLarge   = "file too large"
	ReasonDailyLimit     = "daily upload limit reached"
	ReasonStorageQuota   = "storage quota exceeded"
	ReasonTypeNotAllowed = "type not allowed"
)

// DailyCounter tracks completed uploads per user and day.
type DailyCounter interface {
	Count(ctx context.Context, userID uuid.UUID) (int, error)
	Increment(ctx context.Context, userID uuid.UUID) (int, error)
}

// UsageStore answers usage questions from persisted records.
type UsageStore interface {
	StorageUsed(ctx context.Context, userID uuid.UUID) (int64, error)
	CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

type Limits struct {
	MaxFileSize  int64
	DailyUploads int
	StorageQuota int64
	AllowedTypes []string
}

func LimitsFromUpload(u config.UploadConfig) Limits {
	return Limits{
		MaxFileSize:  u.MaxFileSize,
		DailyUploads: u.DailyUploadLimit,
		StorageQuota: u.StorageQuota,
		AllowedTypes: u.AllowedTypes,
	}
}

type CheckInput struct {
	UserID    uuid.UUID
	FileSize  int64
	FileCount int
	MimeType  string
}

type Usage struct {
	DailyUploads int   `json:"daily_uploads"`
	StorageUsed  int64 `json:"storage_used"`
}

// Verdict is the outcome of Check. Reason is empty when Allowed.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Usage   Usage  `json:"usage"`
	Limits  Limits `json:"-"`
}

// Err converts a denial into an ErrForbidden carrying the reason.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return media_errors.Detailf(media_errors.ErrForbidden, "upload not permitted: %s", v.Reason)
}

type Provider struct {
	limits  Limits
	counter DailyCounter
	usage   UsageStore
	log     *logger.Logger
	now     func() time.Time
}

func NewProvider(limits Limits, counter DailyCounter, usage UsageStore, l *logger.Logger) *Provider {
	return &Provider{limits: limits, counter: counter, usage: usage, log: l.Named("permission"), now: time.Now}
}

// Check evaluates type, size, daily count and storage quota, in that order.
func (p *Provider) Check(ctx context.Context, in CheckInput) (Verdict, error) {
	v := Verdict{Allowed: true, Limits: p.limits}
	count := in.FileCount
	if count <= 0 {
		count = 1
	}

	if !p.typeAllowed(in.MimeType) {
		return deny(v, ReasonTypeNotAllowed), nil
	}
	if p.limits.MaxFileSize > 0 && in.FileSize > p.limits.MaxFileSize {
		return deny(v, ReasonFileTooLarge), nil
	}

	if p.limits.DailyUploads > 0 {
		daily, err := p.dailyCount(ctx, in.UserID)
		if err != nil {
			return Verdict{}, err
		}
		v.Usage.DailyUploads = daily
		if daily+count > p.limits.DailyUploads {
			return deny(v, ReasonDailyLimit), nil
		}
	}

	if p.limits.StorageQuota > 0 && p.usage != nil {
		used, err := p.usage.StorageUsed(ctx, in.UserID)
		if err != nil {
			return Verdict{}, fmt.Errorf("storage usage: %w", err)
		}
		v.Usage.StorageUsed = used
		if used+in.FileSize > p.limits.StorageQuota {
			return deny(v, ReasonStorageQuota), nil
		}
	}
	return v, nil
}

// RecordUpload counts a completed upload against today's limit.
func (p *Provider) RecordUpload(ctx context.Context, userID uuid.UUID) error {
	if p.counter == nil {
		return nil
	}
	if _, err := p.counter.Increment(ctx, userID); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// dailyCount prefers the fast counter and falls back to the records table.
func (p *Provider) dailyCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if p.counter != nil {
		n, err := p.counter.Count(ctx, userID)
		if err == nil {
			return n, nil
		}
		p.log.Warn(ctx, "daily counter unavailable, counting records", zap.Error(err))
	}
	if p.usage == nil {
		return 0, nil
	}
	now := p.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n, err := p.usage.CountSince(ctx, userID, midnight)
	if err != nil {
		return 0, fmt.Errorf("daily upload count: %w", err)
	}
	return n, nil
}

func (p *Provider) typeAllowed(mimeType string) bool {
	if len(p.limits.AllowedTypes) == 0 {
		return true
	}
	t := upload.TypeForMIME(mimeType)
	for _, allowed := range p.limits.AllowedTypes {
		if string(t) == allowed {
			return true
		}
	}
	return false
}

func deny(v Verdict, reason string) Verdict {
	v.Allowed = false
	v.Reason = reason
	return v
}
