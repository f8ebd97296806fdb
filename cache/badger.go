package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type Badger struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadger opens (or creates) an on-disk cache at path. An empty path keeps the store in memory.
func NewBadger(path string, ttl time.Duration, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}
	logger.Info("opened badger cache", "path", path, "in_memory", path == "")

	return &Badger{db: db, ttl: ttl, logger: logger}, nil
}

func (b *Badger) Get(_ context.Context, key string) (string, bool, error) {
	var text []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		text, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			cacheResults.WithLabelValues(KindBadger, "miss").Inc()
			return "", false, nil
		}
		cacheResults.WithLabelValues(KindBadger, "error").Inc()
		return "", false, fmt.Errorf("badger lookup error: %w", err)
	}
	cacheResults.WithLabelValues(KindBadger, "hit").Inc()
	return string(text), true, nil
}

func (b *Badger) Set(_ context.Context, key, text string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(text))
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger insert error: %w", err)
	}
	return nil
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close badger cache", "error", err)
		return err
	}
	return nil
}
