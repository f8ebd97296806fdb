// Package ocr is the extraction facade used by the HTTP layer. It validates and normalizes image
// payloads, stages them in a private scratch directory and runs them through the shared model
// runtime.
package ocr

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/glyph/cache"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

var tracer = otel.Tracer("ocr")

const (
	inputFile  = "input.png"
	outputDir  = "output"
	resultFile = "result.mmd"
)

// RuntimeProvider hands out the shared model runtime. *modelrt.Holder implements it.
type RuntimeProvider interface {
	Runtime(ctx context.Context) (*modelrt.Runtime, error)
	Engine() string
}

type Args struct {
	Runtime RuntimeProvider
	Prompt  string
	Params  modelrt.Params
	// Cache is optional.
	Cache cache.Cache
	// MaxConcurrent bounds simultaneous inferences. 0 means unlimited.
	MaxConcurrent int64
	// Timeout bounds a single inference. 0 means none.
	Timeout time.Duration
	// TempDir is the parent of per-request scratch directories, os.TempDir() when empty.
	TempDir string
	Logger  *slog.Logger
}

type Service struct {
	runtime RuntimeProvider
	prompt  string
	params  modelrt.Params
	cache   cache.Cache
	sem     *semaphore.Weighted
	timeout time.Duration
	tempDir string
	logger  *slog.Logger

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]*flight
}

func New(args *Args) *Service {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	var sem *semaphore.Weighted
	if args.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(args.MaxConcurrent)
	}

	params := args.Params
	params.SaveResults = true
	params.TestCompress = true

	return &Service{
		runtime: args.Runtime,
		prompt:  args.Prompt,
		params:  params,
		cache:   args.Cache,
		sem:     sem,
		timeout: args.Timeout,
		tempDir: args.TempDir,
		logger:  args.Logger.With("component", "ocr"),

		inflight: map[string]*flight{},
	}
}

// Engine names the inference engine behind the service.
func (s *Service) Engine() string {
	return s.runtime.Engine()
}

func (s *Service) ExtractText(content string) string {
	return strings.TrimSpace(content)
}

func (s *Service) ExtractTextFromImage(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "ExtractTextFromImage")
	defer span.End()

	span.SetAttributes(attribute.Int("blob_size", len(data)))

	start := time.Now()
	status := "error"
	defer func() {
		imagesProcessed.WithLabelValues(status).Inc()
		extractTimeHist.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if len(data) == 0 {
		status = "invalid"
		return "", ocrerr.InvalidInput("Empty image payload")
	}

	png, format, err := normalizeImage(data)
	if err != nil {
		status = "invalid"
		return "", ocrerr.Wrap(ocrerr.KindInvalidInput, err, "Invalid image file")
	}
	imageFormats.WithLabelValues(format).Inc()

	rt, err := s.runtime.Runtime(ctx)
	if err != nil {
		return "", err
	}

	key := cache.Key(png, s.prompt, s.params, rt.Engine)
	if s.cache != nil {
		text, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("cache lookup failed", "error", err)
		} else if ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			status = "cached"
			return text, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", ocrerr.Backend(err, "DeepSeek inference failed: %v", err)
	}

	// identical scans share one detached inference; each caller waits on its own context
	c := s.join(ctx, key)
	ch := s.group.DoChan(key, func() (any, error) {
		text, err := s.infer(c.ctx, rt, png)
		if err == nil && s.cache != nil {
			if err := s.cache.Set(c.ctx, key, text); err != nil {
				s.logger.Warn("cache store failed", "error", err)
			}
		}
		return text, err
	})

	var res singleflight.Result
	select {
	case res = <-ch:
		s.leave(key, c)
	case <-ctx.Done():
		if s.leave(key, c) {
			// last waiter: the inference was cancelled, wait for its scratch directory to go
			<-ch
		}
		return "", ocrerr.Backend(ctx.Err(), "DeepSeek inference failed: %v", ctx.Err())
	}
	if res.Shared {
		sharedInferences.Inc()
	}
	if res.Err != nil {
		return "", res.Err
	}

	status = "ok"
	return res.Val.(string), nil
}

// flight is the context shared by every caller waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *Service) join(ctx context.Context, key string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.inflight[key]
	if !ok {
		ictx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &flight{ctx: ictx, cancel: cancel}
		s.inflight[key] = c
	}
	c.waiters++
	return c
}

// leave drops a waiter and reports whether it was the last one. The last waiter cancels the shared
// inference and detaches it from key so later callers start a fresh one.
func (s *Service) leave(key string, c *flight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return false
	}
	if s.inflight[key] == c {
		delete(s.inflight, key)
	}
	c.cancel()
	s.group.Forget(key)
	return true
}

func (s *Service) infer(ctx context.Context, rt *modelrt.Runtime, png []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "Infer")
	defer span.End()

	span.SetAttributes(attribute.String("engine", rt.Engine), attribute.String("call_shape", rt.Invoker.Shape()))

	// the timeout covers waiting for an inference slot as well as the inference itself
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return "", ocrerr.Backend(err, "DeepSeek inference capacity exhausted: %v", err)
		}
		defer s.sem.Release(1)
	}

	dir, err := os.MkdirTemp(s.tempDir, "ocr_scan_*")
	if err != nil {
		return "", ocrerr.Backend(err, "failed to create scratch directory: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("unable to delete scratch directory", "dir", dir, "error", err)
		}
	}()

	input := filepath.Join(dir, inputFile)
	if err := os.WriteFile(input, png, 0o600); err != nil {
		return "", ocrerr.Backend(err, "failed to stage input image: %v", err)
	}
	output := filepath.Join(dir, outputDir)
	if err := os.Mkdir(output, 0o700); err != nil {
		return "", ocrerr.Backend(err, "failed to create output directory: %v", err)
	}

	inferencesInFlight.Inc()
	err = rt.Infer(ctx, modelrt.Invocation{
		Prompt:     s.prompt,
		ImageFile:  input,
		OutputPath: output,
	}, s.params)
	inferencesInFlight.Dec()
	if err != nil {
		s.logger.Error("inference failed", "engine", rt.Engine, "error", err)
		if kind := ocrerr.KindOf(err); kind != ocrerr.KindUnknown {
			return "", err
		}
		return "", ocrerr.Backend(err, "DeepSeek inference failed: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(output, resultFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ocrerr.Backend(err, "DeepSeek did not produce result.mmd")
		}
		return "", ocrerr.Backend(err, "failed to read result.mmd: %v", err)
	}

	return strings.TrimSpace(norm.NFC.String(string(b))), nil
}
