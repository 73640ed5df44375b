package redis

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to MEDIA_TEST_REDIS_ADDR (host:port), skipping when it
// is unset.
func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("MEDIA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDIA_TEST_REDIS_ADDR not set")
	}
	host, port, _ := strings.Cut(addr, ":")
	client := NewClient(Config{Host: host, Port: port, DB: 15})
	require.NoError(t, Ping(context.Background(), client))
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("7f9c24e5-8b6a-4a5d-9c3e-1f2a3b4c5d6e")
	assert.Equal(t, "ratelimit:abc:uploads", uploadLimitKey("abc"))
	assert.Equal(t, "media:progress:7f9c24e5-8b6a-4a5d-9c3e-1f2a3b4c5d6e", ProgressChannel(id))

	c := &DailyUploadCounter{now: func() time.Time { return time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC) }}
	assert.Equal(t, "quota:7f9c24e5-8b6a-4a5d-9c3e-1f2a3b4c5d6e:uploads:20260304", c.key(id))
}

func TestRateLimiterAllowUpload(t *testing.T) {
	client := testClient(t)
	rl := NewRateLimiter(client, RateLimitConfig{UploadLimit: 2, UploadWindow: time.Minute})
	ctx := context.Background()
	user := uuid.NewString()

	first, err := rl.AllowUpload(ctx, user)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := rl.AllowUpload(ctx, user)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	third, err := rl.AllowUpload(ctx, user)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Greater(t, third.ResetIn, time.Duration(0))

	status, err := rl.UploadStatus(ctx, user)
	require.NoError(t, err)
	assert.False(t, status.Allowed)
	assert.Zero(t, status.Remaining)

	require.NoError(t, rl.ResetUser(ctx, user))
	again, err := rl.AllowUpload(ctx, user)
	require.NoError(t, err)
	assert.True(t, again.Allowed)
}

func TestDailyUploadCounter(t *testing.T) {
	client := testClient(t)
	counter := NewDailyUploadCounter(client)
	ctx := context.Background()
	user := uuid.New()

	n, err := counter.Count(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 1; i <= 3; i++ {
		n, err = counter.Increment(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err = counter.Count(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ttl, err := client.TTL(ctx, counter.key(user)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 47*time.Hour)
}

func TestProgressPubSub(t *testing.T) {
	client := testClient(t)
	sid := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	ready := make(chan struct{})
	go func() {
		sub := NewSubscriber(client)
		close(ready)
		_ = sub.Subscribe(ctx, []string{ProgressChannel(sid)}, func(_ string, payload []byte) bool {
			received <- string(payload)
			return false
		})
	}()
	<-ready

	pub := NewPublisher(client)
	require.Eventually(t, func() bool {
		require.NoError(t, pub.PublishProgress(ctx, sid, map[string]int{"progress": 42}))
		select {
		case msg := <-received:
			assert.JSONEq(t, `{"progress":42}`, msg)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 100*time.Millisecond)
}
