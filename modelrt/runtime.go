// Package modelrt owns the process-wide OCR model runtime: the loaded (model, tokenizer) pair,
// the call-shape adapter picked for it, and the holder that initializes it exactly once.
package modelrt

import (
	"context"
	"errors"
	"time"
)

// ErrSignatureMismatch is returned by a Model when it rejects the extended parameter set.
var ErrSignatureMismatch = errors.New("model rejected inference parameters")

// Tokenizer is an opaque tokenizer handle. Engines define what it holds.
type Tokenizer interface {
	Source() string
}

// Model is an opaque loaded model. Infer must leave its output in in.OutputPath, the way the
// DeepSeek-OCR remote code writes result.mmd when asked to save results.
type Model interface {
	Infer(ctx context.Context, tok Tokenizer, in Invocation) error
}

// Prober is implemented by models that can report, once at load time, whether they accept the
// extended parameter set.
type Prober interface {
	SupportsParams(ctx context.Context) (bool, error)
}

// Params are the optional knobs of the extended call shape.
type Params struct {
	BaseSize     int
	ImageSize    int
	CropMode     string
	SaveResults  bool
	TestCompress bool
}

type Invocation struct {
	Prompt     string
	ImageFile  string
	OutputPath string
	// Params is nil for the minimal call shape.
	Params *Params
}

// Invoker pins one call shape against a Model.
type Invoker interface {
	Shape() string
	Invoke(ctx context.Context, m Model, tok Tokenizer, in Invocation, p Params) error
}

type ExtendedInvoker struct{}

func (ExtendedInvoker) Shape() string { return "extended" }

func (ExtendedInvoker) Invoke(ctx context.Context, m Model, tok Tokenizer, in Invocation, p Params) error {
	in.Params = &p
	return m.Infer(ctx, tok, in)
}

type MinimalInvoker struct{}

func (MinimalInvoker) Shape() string { return "minimal" }

func (MinimalInvoker) Invoke(ctx context.Context, m Model, tok Tokenizer, in Invocation, _ Params) error {
	in.Params = nil
	return m.Infer(ctx, tok, in)
}

// Runtime is the loaded model state shared by every request. It is never mutated after the
// holder publishes it.
type Runtime struct {
	Model     Model
	Tokenizer Tokenizer
	Invoker   Invoker

	Engine           string
	ModelPath        string
	Device           string
	ReducedPrecision bool
	LoadedAt         time.Time
}

// Infer runs one inference with the runtime's call shape. An extended call that the model
// rejects with ErrSignatureMismatch is retried once with the minimal shape.
func (rt *Runtime) Infer(ctx context.Context, in Invocation, p Params) error {
	err := rt.Invoker.Invoke(ctx, rt.Model, rt.Tokenizer, in, p)
	if err == nil {
		return nil
	}
	if _, extended := rt.Invoker.(ExtendedInvoker); extended && errors.Is(err, ErrSignatureMismatch) {
		shapeFallbacks.WithLabelValues(rt.Engine).Inc()
		return MinimalInvoker{}.Invoke(ctx, rt.Model, rt.Tokenizer, in, p)
	}
	return err
}
