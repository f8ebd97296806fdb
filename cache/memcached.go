package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedPrefix = "glyph:ocr:"

type Memcached struct {
	client     *memcache.Client
	expiration int32
	logger     *slog.Logger
}

func NewMemcached(servers []string, ttl time.Duration, logger *slog.Logger) (*Memcached, error) {
	if len(servers) == 0 {
		return nil, errors.New("memcached cache requires at least one server")
	}

	client := memcache.New(servers...)
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping memcache servers: %w", err)
	}
	logger.Info("connected to memcached", "servers", servers)

	return &Memcached{
		client:     client,
		expiration: int32(ttl.Seconds()),
		logger:     logger,
	}, nil
}

func (m *Memcached) Get(_ context.Context, key string) (string, bool, error) {
	item, err := m.client.Get(memcachedPrefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			cacheResults.WithLabelValues(KindMemcached, "miss").Inc()
			return "", false, nil
		}
		cacheResults.WithLabelValues(KindMemcached, "error").Inc()
		m.logger.Error("memcache lookup error", "err", err)
		return "", false, fmt.Errorf("memcache lookup error: %w", err)
	}
	cacheResults.WithLabelValues(KindMemcached, "hit").Inc()
	return string(item.Value), true, nil
}

func (m *Memcached) Set(_ context.Context, key, text string) error {
	if err := m.client.Set(&memcache.Item{
		Key:        memcachedPrefix + key,
		Value:      []byte(text),
		Expiration: m.expiration,
	}); err != nil {
		return fmt.Errorf("memcache insert error: %w", err)
	}
	return nil
}

func (m *Memcached) Close() error {
	return m.client.Close()
}
