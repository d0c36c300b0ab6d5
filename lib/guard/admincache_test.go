package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminCache_TTL(t *testing.T) {
	var calls int32
	fetcher := func(ctx context.Context, chatID int64) ([]Administrator, error) {
		atomic.AddInt32(&calls, 1)
		return []Administrator{{UserID: 1, Role: "creator"}}, nil
	}

	now := time.Now()
	c := NewAdminCache(fetcher)
	c.now = func() time.Time { return now }

	admins, err := c.Admins(context.Background(), 123, AdminCacheTTL)
	require.NoError(t, err)
	assert.Len(t, admins, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// second call within ttl, no fetch
	_, err = c.Admins(context.Background(), 123, AdminCacheTTL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// after ttl expiry exactly one new fetch, timestamp updated
	now = now.Add(AdminCacheTTL + time.Second)
	_, err = c.Admins(context.Background(), 123, AdminCacheTTL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, err = c.Admins(context.Background(), 123, AdminCacheTTL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "timestamp must be refreshed by the refetch")
}

func TestAdminCache_ShorterResetTTL(t *testing.T) {
	var calls int32
	c := NewAdminCache(func(ctx context.Context, chatID int64) ([]Administrator, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Admins(context.Background(), 1, AdminCacheTTL)
	require.NoError(t, err)

	now = now.Add(3 * time.Minute)
	_, err = c.Admins(context.Background(), 1, AdminCacheTTL) // still fresh for the message path
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = c.Admins(context.Background(), 1, AdminCacheResetTTL) // stale for the reset path
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAdminCache_FailOpen(t *testing.T) {
	var calls int32
	fetchErr := errors.New("telegram is down")
	good := true
	c := NewAdminCache(func(ctx context.Context, chatID int64) ([]Administrator, error) {
		atomic.AddInt32(&calls, 1)
		if good {
			return []Administrator{{UserID: 42, Role: "administrator"}}, nil
		}
		return nil, fetchErr
	})
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Admins(context.Background(), 1, AdminCacheTTL)
	require.NoError(t, err)

	good = false
	now = now.Add(AdminCacheTTL + time.Minute)
	admins, err := c.Admins(context.Background(), 1, AdminCacheTTL)
	assert.ErrorIs(t, err, fetchErr)
	assert.Len(t, admins, 1, "stale set returned on fetch failure")

	// failed refresh must not update the timestamp, next call retries
	prev := atomic.LoadInt32(&calls)
	_, err = c.Admins(context.Background(), 1, AdminCacheTTL)
	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, prev+1, atomic.LoadInt32(&calls))

	// isAdmin keeps working on stale data
	assert.True(t, c.IsAdmin(context.Background(), 1, 42, AdminCacheTTL))
	assert.False(t, c.IsAdmin(context.Background(), 1, 43, AdminCacheTTL))
}

func TestAdminCache_CollapseConcurrentRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := NewAdminCache(func(ctx context.Context, chatID int64) ([]Administrator, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []Administrator{{UserID: 7, Role: "creator"}}, nil
	})

	const workers = 16
	var wg sync.WaitGroup
	results := make([][]Administrator, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			admins, err := c.Admins(context.Background(), 99, AdminCacheTTL)
			assert.NoError(t, err)
			results[i] = admins
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let all workers pile up on the in-flight fetch
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent refreshes must collapse into one fetch")
	for _, admins := range results {
		require.Len(t, admins, 1)
		assert.Equal(t, int64(7), admins[0].UserID)
	}
}

func TestAdminCache_IsAdmin(t *testing.T) {
	c := NewAdminCache(func(ctx context.Context, chatID int64) ([]Administrator, error) {
		return []Administrator{{UserID: 1, Role: "creator"}, {UserID: 2, Role: "administrator"}, {UserID: 3, Role: "member"}}, nil
	})

	assert.True(t, c.IsAdmin(context.Background(), 1, 1, AdminCacheTTL))
	assert.True(t, c.IsAdmin(context.Background(), 1, 2, AdminCacheTTL))
	assert.False(t, c.IsAdmin(context.Background(), 1, 3, AdminCacheTTL), "plain member role is not admin")
	assert.False(t, c.IsAdmin(context.Background(), 1, 4, AdminCacheTTL))
	assert.True(t, c.IsAdmin(context.Background(), 1, AnonymousAdminID, AdminCacheTTL), "anonymous admin sentinel")
}
