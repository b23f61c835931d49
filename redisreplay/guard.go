// Package redisreplay implements jwtauth.ReplayGuard on Redis so that
// single-use tokens are rejected across every instance sharing the server.
package redisreplay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard claims nonces with SET NX PX.
type Guard struct {
	client    redis.Cmdable
	keyPrefix string
}

// Option configures a Guard.
type Option func(*Guard)

// WithKeyPrefix sets the namespace for nonce keys.
func WithKeyPrefix(prefix string) Option {
	return func(g *Guard) {
		g.keyPrefix = prefix
	}
}

// New returns a Guard using client.
func New(client redis.Cmdable, opts ...Option) *Guard {
	g := &Guard{
		client:    client,
		keyPrefix: "jwtauth:nonce",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewFromURL returns a Guard connected to the Redis server at url.
func NewFromURL(url string, opts ...Option) (*Guard, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(options), opts...), nil
}

func (g *Guard) key(k string) string {
	return g.keyPrefix + ":" + k
}

// Claim implements jwtauth.ReplayGuard.
func (g *Guard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return g.client.SetNX(ctx, g.key(key), 1, ttl).Result()
}

// Close closes the underlying client when it owns a connection pool.
func (g *Guard) Close() error {
	if c, ok := g.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
