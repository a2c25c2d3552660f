package tokencache

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

func TestCache_ReusesValidToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int32
	c := New(func(context.Context) (Token, error) {
		n := atomic.AddInt32(&calls, 1)
		return Token{Value: "tok-" + string(rune('0'+n)), ExpiresAt: now.Add(time.Hour)}, nil
	}, time.Minute)

	first, err := c.Get(context.Background(), now)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), now.Add(30*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "tok-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_RefreshesInsideSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls int32
	c := New(func(context.Context) (Token, error) {
		n := atomic.AddInt32(&calls, 1)
		return Token{Value: "tok-" + string(rune('0'+n)), ExpiresAt: now.Add(time.Hour)}, nil
	}, 5*time.Minute)

	_, err := c.Get(context.Background(), now)
	require.NoError(t, err)
	v, err := c.Get(context.Background(), now.Add(56*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "tok-2", v)
}

func TestCache_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := New(func(context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Token{Value: "shared"}, nil
	}, 0)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), time.Now())
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// let the callers pile up on the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestCache_FailedRefreshIsRetried(t *testing.T) {
	var calls int32
	c := New(func(context.Context) (Token, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Token{}, errors.New("issuer down")
		}
		return Token{Value: "ok"}, nil
	}, 0)

	_, err := c.Get(context.Background(), time.Now())
	require.Error(t, err)

	v, err := c.Get(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCache_InvalidateForcesRefresh(t *testing.T) {
	var calls int32
	c := New(func(context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		return Token{Value: "v"}, nil
	}, 0)

	_, err := c.Get(context.Background(), time.Now())
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.Get(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStatic(t *testing.T) {
	v, err := Static("fixed").Get(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "fixed", v)
}
