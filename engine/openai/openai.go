// Package openai runs OCR against an OpenAI compatible chat completions endpoint serving
// DeepSeek-OCR, such as vLLM.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bluesky-social/glyph/engine"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const Name = "openai"

var tracer = otel.Tracer("engine/openai")

func init() {
	modelrt.Register(Name, func(opts modelrt.Options) (modelrt.Loader, error) {
		return New(&Args{BaseURL: opts.Endpoint, APIKey: opts.Token, Model: opts.Model, Logger: opts.Logger}), nil
	})
}

type Args struct {
	BaseURL string
	APIKey  string
	// Model is the served model name. Defaults to the model directory name.
	Model  string
	Logger *slog.Logger
}

type Loader struct {
	baseURL string
	apiKey  string
	model   string
	logger  *slog.Logger
}

func New(args *Args) *Loader {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Loader{
		baseURL: args.BaseURL,
		apiKey:  args.APIKey,
		model:   args.Model,
		logger:  args.Logger.With("component", "openai"),
	}
}

func (l *Loader) Name() string { return Name }

func (l *Loader) CheckDependencies() error {
	if l.baseURL == "" {
		return ocrerr.New(ocrerr.KindConfiguration, "openai inference engine requires OCR_OPENAI_BASE_URL")
	}
	return nil
}

// GPUAvailable is always true; placement belongs to the serving process.
func (l *Loader) GPUAvailable(context.Context) bool { return true }

type tokenizer struct {
	model string
}

func (t tokenizer) Source() string { return t.model }

func (l *Loader) servedModel(dir string) string {
	if l.model != "" {
		return l.model
	}
	return filepath.Base(dir)
}

func (l *Loader) LoadTokenizer(_ context.Context, dir string) (modelrt.Tokenizer, error) {
	return tokenizer{model: l.servedModel(dir)}, nil
}

func (l *Loader) LoadModel(ctx context.Context, dir string, placement modelrt.Placement) (modelrt.Model, error) {
	opts := []option.RequestOption{
		option.WithBaseURL(l.baseURL),
		option.WithMaxRetries(1),
		option.WithHTTPClient(&http.Client{Timeout: 10 * time.Minute}),
	}
	if l.apiKey != "" {
		opts = append(opts, option.WithAPIKey(l.apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("EMPTY"))
	}
	client := openai.NewClient(opts...)

	name := l.servedModel(dir)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list served models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	if !slices.Contains(ids, name) {
		return nil, fmt.Errorf("model %q is not served by %s (serving: %v)", name, l.baseURL, ids)
	}

	l.logger.Info("using openai compatible endpoint", "base_url", l.baseURL, "model", name, "device", placement.Device)

	return &Model{client: client, name: name}, nil
}

type Model struct {
	client openai.Client
	name   string
}

func (m *Model) Infer(ctx context.Context, _ modelrt.Tokenizer, in modelrt.Invocation) error {
	ctx, span := tracer.Start(ctx, "OpenAI.Infer")
	defer span.End()

	extended := in.Params != nil
	span.SetAttributes(attribute.Bool("extended", extended), attribute.String("model", m.name))

	img, err := os.ReadFile(in.ImageFile)
	if err != nil {
		return fmt.Errorf("failed to read input image: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.name),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
				}),
				openai.TextContentPart(in.Prompt),
			}),
		},
		Temperature: openai.Float(0),
	}

	var reqOpts []option.RequestOption
	if p := in.Params; p != nil {
		reqOpts = append(reqOpts, option.WithJSONSet("mm_processor_kwargs", map[string]any{
			"base_size":  p.BaseSize,
			"image_size": p.ImageSize,
			"crop_mode":  p.CropMode,
		}))
	}

	start := time.Now()
	status := "error"
	defer func() {
		engine.InferDuration.WithLabelValues(Name, engine.Shape(extended), status).Observe(time.Since(start).Seconds())
	}()

	resp, err := m.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if extended && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %v", modelrt.ErrSignatureMismatch, err)
		}
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}

	if err := os.WriteFile(filepath.Join(in.OutputPath, "result.mmd"), []byte(resp.Choices[0].Message.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	status = "ok"
	return nil
}
