// Package runner runs DeepSeek-OCR through a local inference command. The command receives the
// model directory, tokenizer and image on its command line and writes result.mmd into the output
// directory.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/glyph/engine"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const Name = "runner"

var tracer = otel.Tracer("engine/runner")

func init() {
	modelrt.Register(Name, func(opts modelrt.Options) (modelrt.Loader, error) {
		return New(&Args{Command: opts.Command, Logger: opts.Logger}), nil
	})
}

type Args struct {
	// Command is the inference executable, looked up in PATH unless it contains a slash.
	Command string
	// GPUProbe lists GPUs; defaults to nvidia-smi.
	GPUProbe string
	Logger   *slog.Logger
}

type Loader struct {
	command  string
	gpuProbe string
	logger   *slog.Logger
}

func New(args *Args) *Loader {
	if args.Command == "" {
		args.Command = "deepseek-ocr-infer"
	}
	if args.GPUProbe == "" {
		args.GPUProbe = "nvidia-smi"
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Loader{
		command:  args.Command,
		gpuProbe: args.GPUProbe,
		logger:   args.Logger.With("component", "runner"),
	}
}

func (l *Loader) Name() string { return Name }

func (l *Loader) CheckDependencies() error {
	if _, err := exec.LookPath(l.command); err != nil {
		return ocrerr.Wrap(ocrerr.KindDependencyMissing, err,
			"DeepSeek backend requires the %s inference command: %v", l.command, err)
	}
	return nil
}

func (l *Loader) GPUAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, l.gpuProbe, "-L").Output()
	if err != nil {
		l.logger.Info("no gpu detected", "probe", l.gpuProbe, "error", err)
		return false
	}
	return strings.Contains(string(out), "GPU")
}

func (l *Loader) LoadTokenizer(_ context.Context, dir string) (modelrt.Tokenizer, error) {
	tok, err := modelrt.FindTokenizer(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return tok, nil
}

func (l *Loader) LoadModel(_ context.Context, dir string, placement modelrt.Placement) (modelrt.Model, error) {
	manifest, err := modelrt.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	bin, err := exec.LookPath(l.command)
	if err != nil {
		return nil, ocrerr.Wrap(ocrerr.KindDependencyMissing, err,
			"DeepSeek backend requires the %s inference command: %v", l.command, err)
	}

	l.logger.Info("using local model", "dir", dir, "model_type", manifest.ModelType, "shards", len(manifest.Weights), "device", placement.Device)

	return &Model{
		bin:       bin,
		manifest:  manifest,
		placement: placement,
		logger:    l.logger,
	}, nil
}

type Model struct {
	bin       string
	manifest  *modelrt.Manifest
	placement modelrt.Placement
	logger    *slog.Logger
}

// SupportsParams asks the command for its usage and looks for the extended flags.
func (m *Model) SupportsParams(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, m.bin, "--help").CombinedOutput()
	if err != nil {
		engine.ProbeResults.WithLabelValues(Name, "error").Inc()
		return false, fmt.Errorf("failed to run %s --help: %w", m.bin, err)
	}

	extended := bytes.Contains(out, []byte("--base-size"))
	engine.ProbeResults.WithLabelValues(Name, engine.Shape(extended)).Inc()
	return extended, nil
}

func (m *Model) Infer(ctx context.Context, tok modelrt.Tokenizer, in modelrt.Invocation) error {
	ctx, span := tracer.Start(ctx, "Runner.Infer")
	defer span.End()

	extended := in.Params != nil
	span.SetAttributes(attribute.Bool("extended", extended), attribute.String("device", m.placement.Device))

	start := time.Now()
	status := "error"
	defer func() {
		engine.InferDuration.WithLabelValues(Name, engine.Shape(extended), status).Observe(time.Since(start).Seconds())
	}()

	cmd := exec.CommandContext(ctx, m.bin, m.args(tok, in)...)

	errOut := &bytes.Buffer{}
	cmd.Stderr = errOut

	if err := cmd.Run(); err != nil {
		stderr := strings.TrimSpace(errOut.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 && strings.Contains(stderr, "unrecognized arguments") {
			return fmt.Errorf("%w: %s", modelrt.ErrSignatureMismatch, stderr)
		}
		m.logger.Error("error running inference command", "error", err, "stderr", stderr)
		if stderr != "" {
			return fmt.Errorf("%w: %s", err, lastLine(stderr))
		}
		return err
	}

	status = "ok"
	return nil
}

func (m *Model) args(tok modelrt.Tokenizer, in modelrt.Invocation) []string {
	dtype := "float32"
	if m.placement.BFloat16 {
		dtype = "bfloat16"
	}

	args := []string{
		"--model", m.manifest.Dir,
		"--tokenizer", tok.Source(),
		"--device", m.placement.Device,
		"--dtype", dtype,
		"--prompt", in.Prompt,
		"--image-file", in.ImageFile,
		"--output-path", in.OutputPath,
	}

	if p := in.Params; p != nil {
		args = append(args,
			"--base-size", strconv.Itoa(p.BaseSize),
			"--image-size", strconv.Itoa(p.ImageSize),
			"--crop-mode", p.CropMode,
		)
		if p.SaveResults {
			args = append(args, "--save-results")
		}
		if p.TestCompress {
			args = append(args, "--test-compress")
		}
	}

	return args
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
