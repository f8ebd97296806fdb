package modelrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("modelrt")

type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unloaded"
	}
}

type HolderArgs struct {
	Loader      Loader
	ModelPath   string
	Device      string
	UseBFloat16 bool
	Logger      *slog.Logger
	// Getwd resolves relative model paths. Defaults to os.Getwd.
	Getwd func() (string, error)
}

// Holder lazily initializes the process-wide Runtime. The first successful load is published and
// kept for the life of the process; a failed load leaves the holder Unloaded so the next caller
// retries.
type Holder struct {
	loader    Loader
	modelPath string
	device    string
	bf16      bool
	logger    *slog.Logger
	getwd     func() (string, error)

	mu    sync.Mutex
	rt    atomic.Pointer[Runtime]
	state atomic.Int32
}

func NewHolder(args *HolderArgs) *Holder {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.Getwd == nil {
		args.Getwd = os.Getwd
	}
	return &Holder{
		loader:    args.Loader,
		modelPath: args.ModelPath,
		device:    args.Device,
		bf16:      args.UseBFloat16,
		logger:    args.Logger.With("component", "modelrt"),
		getwd:     args.Getwd,
	}
}

func (h *Holder) State() State {
	return State(h.state.Load())
}

// Engine is the name of the loader backing this holder.
func (h *Holder) Engine() string {
	return h.loader.Name()
}

// Runtime returns the shared runtime, loading it on first use. Concurrent first callers block on
// a single load and all receive the same *Runtime.
func (h *Holder) Runtime(ctx context.Context) (*Runtime, error) {
	if rt := h.rt.Load(); rt != nil {
		return rt, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if rt := h.rt.Load(); rt != nil {
		return rt, nil
	}

	h.state.Store(int32(StateLoading))
	start := time.Now()

	// load and its probes run detached from the triggering request
	rt, err := h.load(context.WithoutCancel(ctx))
	if err != nil {
		h.state.Store(int32(StateUnloaded))
		runtimeLoads.WithLabelValues(h.loader.Name(), ocrerr.KindOf(err).String()).Inc()
		h.logger.Error("failed to load model runtime", "path", h.modelPath, "error", err)
		return nil, err
	}

	h.rt.Store(rt)
	h.state.Store(int32(StateReady))
	runtimeLoads.WithLabelValues(h.loader.Name(), "ok").Inc()
	runtimeLoadHist.WithLabelValues(h.loader.Name()).Observe(time.Since(start).Seconds())

	h.logger.Info("model runtime ready",
		"engine", rt.Engine,
		"path", rt.ModelPath,
		"device", rt.Device,
		"bfloat16", rt.ReducedPrecision,
		"call_shape", rt.Invoker.Shape(),
		"took", time.Since(start).String(),
	)

	return rt, nil
}

func (h *Holder) load(ctx context.Context) (*Runtime, error) {
	ctx, span := tracer.Start(ctx, "LoadRuntime")
	defer span.End()

	path, err := ResolveModelPath(h.modelPath, h.getwd)
	if err != nil {
		return nil, ocrerr.Wrap(ocrerr.KindConfiguration, err, "could not resolve model path %q: %v", h.modelPath, err)
	}
	span.SetAttributes(attribute.String("path", path), attribute.String("engine", h.loader.Name()))

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ocrerr.New(ocrerr.KindConfiguration,
				"DeepSeek local model path not found: %s. Please mount/copy your pre-downloaded model.", path)
		}
		return nil, ocrerr.Wrap(ocrerr.KindConfiguration, err, "could not access model path %s: %v", path, err)
	}

	if err := h.loader.CheckDependencies(); err != nil {
		if ocrerr.KindOf(err) != ocrerr.KindUnknown {
			return nil, err
		}
		return nil, ocrerr.Wrap(ocrerr.KindDependencyMissing, err, "DeepSeek inference dependencies are not installed: %v", err)
	}

	placement := Placement{Device: DeviceCPU}
	if strings.HasPrefix(strings.ToLower(h.device), DeviceCUDA) && h.loader.GPUAvailable(ctx) {
		placement = Placement{Device: h.device, BFloat16: h.bf16}
	}

	tok, err := h.loader.LoadTokenizer(ctx, path)
	if err != nil {
		return nil, initFailure(err)
	}

	model, err := h.loader.LoadModel(ctx, path, placement)
	if err != nil {
		return nil, initFailure(err)
	}

	return &Runtime{
		Model:            model,
		Tokenizer:        tok,
		Invoker:          h.selectInvoker(ctx, model),
		Engine:           h.loader.Name(),
		ModelPath:        path,
		Device:           placement.Device,
		ReducedPrecision: placement.BFloat16,
		LoadedAt:         time.Now(),
	}, nil
}

// selectInvoker pins the call shape for the life of the runtime. Models that cannot be probed get
// the extended shape; Runtime.Infer still falls back if it is rejected.
func (h *Holder) selectInvoker(ctx context.Context, model Model) Invoker {
	p, ok := model.(Prober)
	if !ok {
		return ExtendedInvoker{}
	}

	extended, err := p.SupportsParams(ctx)
	if err != nil {
		h.logger.Warn("call shape probe failed, using minimal shape", "error", err)
		return MinimalInvoker{}
	}
	if extended {
		return ExtendedInvoker{}
	}
	return MinimalInvoker{}
}

func initFailure(err error) error {
	if ocrerr.KindOf(err) == ocrerr.KindDependencyMissing {
		return err
	}
	return ocrerr.Backend(err, "Failed to initialize DeepSeek model: %v", err)
}

// ResolveModelPath makes raw absolute, interpreting relative paths against the working directory.
func ResolveModelPath(raw string, getwd func() (string, error)) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("model path is empty")
	}
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw), nil
	}
	wd, err := getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return filepath.Join(wd, raw), nil
}
