package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type Memory struct {
	lru *lru.LRU[string, string]
}

func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 1000
	}
	return &Memory{lru: lru.NewLRU[string, string](size, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	text, ok := m.lru.Get(key)
	if ok {
		cacheResults.WithLabelValues(KindMemory, "hit").Inc()
	} else {
		cacheResults.WithLabelValues(KindMemory, "miss").Inc()
	}
	return text, ok, nil
}

func (m *Memory) Set(_ context.Context, key, text string) error {
	m.lru.Add(key, text)
	cacheSize.WithLabelValues(KindMemory).Set(float64(m.lru.Len()))
	return nil
}

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
