package permission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"moments-media/internal/errhandler"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts map[uuid.UUID]int
	err    error
}

func (c *fakeCounter) Count(_ context.Context, id uuid.UUID) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[id], nil
}

func (c *fakeCounter) Increment(_ context.Context, id uuid.UUID) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.counts[id]++
	return c.counts[id], nil
}

type fakeUsage struct {
	used    int64
	count   int
	since   time.Time
	usedErr error
}

func (u *fakeUsage) StorageUsed(context.Context, uuid.UUID) (int64, error) {
	return u.used, u.usedErr
}

func (u *fakeUsage) CountSince(_ context.Context, _ uuid.UUID, since time.Time) (int, error) {
	u.since = since
	return u.count, nil
}

func testLimits() Limits {
	return Limits{
		MaxFileSize:  100,
		DailyUploads: 3,
		StorageQuota: 1000,
		AllowedTypes: []string{"image", "video"},
	}
}

func TestCheck(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name   string
		daily  int
		used   int64
		in     CheckInput
		reason string
	}{
		{"allowed", 1, 100, CheckInput{UserID: user, FileSize: 50, MimeType: "image/png"}, ""},
		{"type not allowed", 0, 0, CheckInput{UserID: user, FileSize: 10, MimeType: "application/pdf"}, ReasonTypeNotAllowed},
		{"file too large", 0, 0, CheckInput{UserID: user, FileSize: 101, MimeType: "image/png"}, ReasonFileTooLarge},
		{"daily limit", 3, 0, CheckInput{UserID: user, FileSize: 10, MimeType: "video/mp4"}, ReasonDailyLimit},
		{"batch crosses daily limit", 2, 0, CheckInput{UserID: user, FileSize: 10, FileCount: 2, MimeType: "image/png"}, ReasonDailyLimit},
		{"quota exceeded", 0, 990, CheckInput{UserID: user, FileSize: 20, MimeType: "image/png"}, ReasonStorageQuota},
		{"quota exactly filled", 0, 980, CheckInput{UserID: user, FileSize: 20, MimeType: "image/png"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{counts: map[uuid.UUID]int{user: tt.daily}}
			p := NewProvider(testLimits(), counter, &fakeUsage{used: tt.used}, logger.NewNop())

			v, err := p.Check(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.reason == "", v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestQuotaExceededMapsToForbidden(t *testing.T) {
	p := NewProvider(testLimits(), &fakeCounter{counts: map[uuid.UUID]int{}}, &fakeUsage{used: 999}, logger.NewNop())
	v, err := p.Check(context.Background(), CheckInput{UserID: uuid.New(), FileSize: 50, MimeType: "image/jpeg"})
	require.NoError(t, err)
	require.False(t, v.Allowed)
	assert.Equal(t, int64(999), v.Usage.StorageUsed)

	denied := v.Err()
	assert.ErrorIs(t, denied, media_errors.ErrForbidden)
	apiErr := errhandler.New(nil, nil, logger.NewNop()).HandleUploadError(context.Background(), denied, errhandler.Context{Operation: "permission"})
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Contains(t, apiErr.Message, ReasonStorageQuota)
}

func TestDailyCountFallsBackToRecords(t *testing.T) {
	usage := &fakeUsage{count: 3}
	p := NewProvider(testLimits(), &fakeCounter{err: errors.New("redis down")}, usage, logger.NewNop())
	p.now = func() time.Time { return time.Date(2026, 5, 6, 15, 4, 5, 0, time.UTC) }

	v, err := p.Check(context.Background(), CheckInput{UserID: uuid.New(), FileSize: 1, MimeType: "image/png"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonDailyLimit, v.Reason)
	assert.Equal(t, time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC), usage.since)
}

func TestCheckUsageError(t *testing.T) {
	p := NewProvider(testLimits(), &fakeCounter{counts: map[uuid.UUID]int{}}, &fakeUsage{usedErr: errors.New("db down")}, logger.NewNop())
	_, err := p.Check(context.Background(), CheckInput{UserID: uuid.New(), FileSize: 1, MimeType: "image/png"})
	assert.Error(t, err)
}

func TestRecordUpload(t *testing.T) {
	user := uuid.New()
	counter := &fakeCounter{counts: map[uuid.UUID]int{}}
	p := NewProvider(testLimits(), counter, nil, logger.NewNop())

	require.NoError(t, p.RecordUpload(context.Background(), user))
	require.NoError(t, p.RecordUpload(context.Background(), user))
	assert.Equal(t, 2, counter.counts[user])

	v, err := p.Check(context.Background(), CheckInput{UserID: user, FileSize: 1, MimeType: "image/png"})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, 2, v.Usage.DailyUploads)
}
