// Package identity wraps the external user service with TTL caches so hot
// request paths do not hammer it. Admin-role lookups are cached per token
// and user-existence checks per user; concurrent misses for the same key are
// collapsed into one upstream call.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"samplecore/internal/core"
	"samplecore/pkg/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 10000
	defaultAdminTTL  = 5 * time.Minute
	defaultUserTTL   = time.Hour
)

type adminEntry struct {
	role core.AdminRole
	user domain.UserID
}

// Cache is a caching core.UserLookup decorator.
type Cache struct {
	inner  core.UserLookup
	admins *expirable.LRU[string, adminEntry]
	users  *expirable.LRU[domain.UserID, bool]
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	size     int
	adminTTL time.Duration
	userTTL  time.Duration
}

// WithCacheSize bounds each cache's entry count.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithAdminTTL sets how long token lookups are trusted.
func WithAdminTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.adminTTL = d
		}
	}
}

// WithUserTTL sets how long user-existence results are trusted.
func WithUserTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.userTTL = d
		}
	}
}

// NewCache wraps the user lookup with caching.
func NewCache(inner core.UserLookup, opts ...Option) (*Cache, error) {
	if inner == nil {
		return nil, fmt.Errorf("a user lookup is required")
	}
	o := options{size: defaultCacheSize, adminTTL: defaultAdminTTL, userTTL: defaultUserTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache{
		inner:  inner,
		admins: expirable.NewLRU[string, adminEntry](o.size, nil, o.adminTTL),
		users:  expirable.NewLRU[domain.UserID, bool](o.size, nil, o.userTTL),
	}, nil
}

// IsAdmin resolves the token to a user and admin role, serving from cache
// when possible. Invalid tokens are never cached: the next call retries
// upstream.
func (c *Cache) IsAdmin(ctx context.Context, token string) (core.AdminRole, domain.UserID, error) {
	if entry, ok := c.admins.Get(token); ok {
		return entry.role, entry.user, nil
	}
	v, err, _ := c.group.Do("token:"+token, func() (any, error) {
		role, user, err := c.inner.IsAdmin(ctx, token)
		if err != nil {
			return nil, err
		}
		entry := adminEntry{role: role, user: user}
		c.admins.Add(token, entry)
		return entry, nil
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidToken) {
			return core.AdminNone, "", err
		}
		return core.AdminNone, "", fmt.Errorf("resolve token: %w", err)
	}
	entry := v.(adminEntry)
	return entry.role, entry.user, nil
}

// InvalidUsers returns the subset of users unknown to the user service. Only
// users cached as valid skip the upstream call; invalid results are not
// cached because the user may be created at any time.
func (c *Cache) InvalidUsers(ctx context.Context, users []domain.UserID) ([]domain.UserID, error) {
	var unknown []domain.UserID
	for _, user := range users {
		if _, ok := c.users.Get(user); !ok {
			unknown = append(unknown, user)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}
	invalid, err := c.inner.InvalidUsers(ctx, unknown)
	if err != nil {
		return nil, err
	}
	bad := make(map[domain.UserID]struct{}, len(invalid))
	for _, user := range invalid {
		bad[user] = struct{}{}
	}
	for _, user := range unknown {
		if _, ok := bad[user]; !ok {
			c.users.Add(user, true)
		}
	}
	return invalid, nil
}

var _ core.UserLookup = (*Cache)(nil)
