// Package tokencache is a read-through cache for short-lived credentials.
// Concurrent callers that find the token missing or expired share a single
// in-flight refresh.
package tokencache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultSkew renews tokens this long before they expire
const DefaultSkew = time.Minute

// Token is a credential and its expiry. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// RefreshFunc obtains a fresh token from the issuer
type RefreshFunc func(ctx context.Context) (Token, error)

// Cache holds one token
type Cache struct {
	refresh RefreshFunc
	skew    time.Duration

	mu    sync.Mutex
	token Token
	group singleflight.Group
}

// New creates a cache around refresh. skew <= 0 uses DefaultSkew.
func New(refresh RefreshFunc, skew time.Duration) *Cache {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Cache{refresh: refresh, skew: skew}
}

// Static returns a cache that always yields value and never refreshes.
func Static(value string) *Cache {
	c := New(func(context.Context) (Token, error) {
		return Token{}, errors.New("tokencache: static token cannot be refreshed")
	}, 0)
	c.token = Token{Value: value}
	return c
}

// Get returns the cached token when still valid at now, refreshing it otherwise.
func (c *Cache) Get(ctx context.Context, now time.Time) (string, error) {
	if v, ok := c.valid(now); ok {
		return v, nil
	}

	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		// Another caller may have refreshed while we waited for the group
		if v, ok := c.valid(now); ok {
			return v, nil
		}
		// The refresh is shared; one caller going away must not fail the others
		tok, err := c.refresh(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		if tok.Value == "" {
			return "", errors.New("tokencache: refresh returned an empty token")
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token, typically after the issuer rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

func (c *Cache) valid(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Value == "" {
		return "", false
	}
	if !c.token.ExpiresAt.IsZero() && !now.Add(c.skew).Before(c.token.ExpiresAt) {
		return "", false
	}
	return c.token.Value, true
}
