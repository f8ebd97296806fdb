// Package tesseract is an in-process engine built on gosseract. It needs libtesseract and is only
// compiled in with -tags tesseract; other builds report the dependency as missing. The model path
// is a tessdata directory and the "tokenizer" is the list of trained languages found in it.
package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/glyph/engine"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
)

const Name = "tesseract"

func init() {
	modelrt.Register(Name, func(opts modelrt.Options) (modelrt.Loader, error) {
		return New(&Args{Languages: opts.Languages, Logger: opts.Logger}), nil
	})
}

type Args struct {
	Languages []string
	Logger    *slog.Logger
}

type Loader struct {
	languages []string
	logger    *slog.Logger
}

func New(args *Args) *Loader {
	if len(args.Languages) == 0 {
		args.Languages = []string{"eng"}
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Loader{
		languages: args.Languages,
		logger:    args.Logger.With("component", "tesseract"),
	}
}

func (l *Loader) Name() string { return Name }

func (l *Loader) CheckDependencies() error {
	if !compiled {
		return ocrerr.New(ocrerr.KindDependencyMissing, "tesseract engine requires a build with -tags tesseract")
	}
	return nil
}

func (l *Loader) GPUAvailable(context.Context) bool { return false }

type Languages struct {
	Tessdata string
	Codes    []string
}

func (t *Languages) Source() string {
	return strings.Join(t.Codes, "+")
}

// LoadTokenizer checks that every configured language has trained data in dir.
func (l *Loader) LoadTokenizer(_ context.Context, dir string) (modelrt.Tokenizer, error) {
	for _, code := range l.languages {
		if _, err := os.Stat(filepath.Join(dir, code+".traineddata")); err != nil {
			return nil, fmt.Errorf("missing trained data for language %q: %w", code, err)
		}
	}
	return &Languages{Tessdata: dir, Codes: l.languages}, nil
}

func (l *Loader) LoadModel(_ context.Context, dir string, _ modelrt.Placement) (modelrt.Model, error) {
	l.logger.Info("using tesseract", "tessdata", dir, "languages", l.languages)
	return &Model{tessdata: dir}, nil
}

type Model struct {
	tessdata string
}

// Infer ignores the extended parameters; tesseract has no equivalent knobs.
func (m *Model) Infer(ctx context.Context, tok modelrt.Tokenizer, in modelrt.Invocation) error {
	langs, ok := tok.(*Languages)
	if !ok {
		return fmt.Errorf("unexpected tokenizer %T", tok)
	}

	start := time.Now()
	status := "error"
	defer func() {
		engine.InferDuration.WithLabelValues(Name, engine.Shape(in.Params != nil), status).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	text, err := recognize(m.tessdata, langs.Codes, in.ImageFile)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(in.OutputPath, "result.mmd"), []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	status = "ok"
	return nil
}
