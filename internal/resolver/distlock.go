package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is consulted by Resolve before the in-process single-flight
// call so that multiple service processes sharing one cache root do not
// both download the same template. It is a best-effort optimization, not
// a correctness requirement: absence (nil) is always safe because the
// atomic rename in downloadAndExtract resolves any lost race.
type DistLock interface {
	// Lock attempts to acquire the named lock. If locked is false the
	// caller did not acquire it (another process holds it) but may
	// proceed anyway after re-checking the cache, matching the
	// best-effort contract above. unlock is always safe to call,
	// including when locked is false.
	Lock(ctx context.Context, key string) (unlock func(), locked bool, err error)
}

// RedisDistLockConfig configures a Redis-backed DistLock.
type RedisDistLockConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	TTL         time.Duration
	DialTimeout time.Duration
}

type redisDistLock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDistLock constructs a DistLock backed by Redis SETNX semantics
// (implemented via redis.Client.SetNX). Returns nil, nil when cfg.Addr is
// empty, so callers can wire this unconditionally and rely on the
// always-safe absence behavior.
func NewRedisDistLock(cfg RedisDistLockConfig) (DistLock, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "templatepipe:resolver:lock:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	return &redisDistLock{client: client, keyPrefix: prefix, ttl: ttl}, nil
}

func (l *redisDistLock) Lock(ctx context.Context, key string) (func(), bool, error) {
	fullKey := l.keyPrefix + key
	ok, err := l.client.SetNX(ctx, fullKey, "1", l.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("resolver: redis lock %q: %w", fullKey, err)
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		_ = l.client.Del(context.Background(), fullKey).Err()
	}, true, nil
}
