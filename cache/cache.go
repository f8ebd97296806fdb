// Package cache memoizes extraction results. Entries are keyed by the normalized image bytes and
// every input that changes model output, so a hit is always safe to serve.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/glyph/modelrt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	KindNone      = "none"
	KindMemory    = "memory"
	KindMemcached = "memcached"
	KindBadger    = "badger"
)

var (
	cacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glyph_cache_result",
		Help: "Cache results (hit, miss, error) per backend",
	}, []string{"backend", "result"})
	cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glyph_cache_size",
		Help: "Current number of entries in the cache, where the backend can tell",
	}, []string{"backend"})
)

type Cache interface {
	// Get returns the cached text and whether it was found. A backend failure is an error,
	// never a hit.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, text string) error
	Close() error
}

type Args struct {
	Kind             string
	Size             int
	TTL              time.Duration
	MemcachedServers []string
	BadgerPath       string
	Logger           *slog.Logger
}

// New returns the configured cache, or nil when caching is disabled.
func New(args *Args) (Cache, error) {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	logger := args.Logger.With("component", "cache", "backend", args.Kind)

	switch args.Kind {
	case "", KindNone:
		return nil, nil
	case KindMemory:
		return NewMemory(args.Size, args.TTL), nil
	case KindMemcached:
		c, err := NewMemcached(args.MemcachedServers, args.TTL, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindBadger:
		c, err := NewBadger(args.BadgerPath, args.TTL, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", args.Kind)
	}
}

// Key derives the cache key for an inference over png with the given prompt and parameters.
func Key(png []byte, prompt string, p modelrt.Params, engine string) string {
	h := sha256.New()
	h.Write(png)

	writeString := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeString(prompt)
	writeString(engine)
	writeString(p.CropMode)

	var sizes [16]byte
	binary.BigEndian.PutUint64(sizes[:8], uint64(p.BaseSize))
	binary.BigEndian.PutUint64(sizes[8:], uint64(p.ImageSize))
	h.Write(sizes[:])

	return hex.EncodeToString(h.Sum(nil))
}
