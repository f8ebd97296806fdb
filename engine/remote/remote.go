// Package remote sends inference to a DeepSeek-OCR HTTP server that already holds the model in
// memory, such as the FastAPI wrapper that ships with the model. The local model directory still
// has to exist; it pins which weights the deployment expects.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/glyph/engine"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"github.com/bluesky-social/go-util/pkg/robusthttp"
	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const Name = "remote"

var tracer = otel.Tracer("engine/remote")

var ErrBadStatusCode = errors.New("received bad status code from inference server")

func init() {
	modelrt.Register(Name, func(opts modelrt.Options) (modelrt.Loader, error) {
		return New(&Args{Host: opts.Endpoint, Token: opts.Token, Logger: opts.Logger}), nil
	})
}

type Args struct {
	Host   string
	Token  string
	Logger *slog.Logger
	// Limiter bounds requests to the inference server. Defaults to 10/s with a burst of 5.
	Limiter *rate.Limiter
}

type Client struct {
	client  *http.Client
	host    string
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(args *Args) *Client {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.Limiter == nil {
		args.Limiter = rate.NewLimiter(10, 5)
	}

	// no keepalives so load spreads across inference replicas
	c := robusthttp.NewClient(robusthttp.WithTransport(cleanhttp.DefaultTransport()))

	return &Client{
		client:  c,
		host:    strings.TrimRight(args.Host, "/"),
		token:   args.Token,
		limiter: args.Limiter,
		logger:  args.Logger.With("component", "remote"),
	}
}

type capabilities struct {
	Extended bool `json:"extended"`
	GPU      bool `json:"gpu"`
}

type inferRequest struct {
	Prompt    string `json:"prompt"`
	ImageB64  string `json:"image_base64"`
	BaseSize  *int   `json:"base_size,omitempty"`
	ImageSize *int   `json:"image_size,omitempty"`
	CropMode  *bool  `json:"crop_mode,omitempty"`
}

type inferResponse struct {
	Text string `json:"text"`
}

func (c *Client) Name() string { return Name }

func (c *Client) CheckDependencies() error {
	if c.host == "" {
		return ocrerr.New(ocrerr.KindConfiguration, "remote inference engine requires OCR_REMOTE_URL")
	}
	return nil
}

func (c *Client) GPUAvailable(ctx context.Context) bool {
	caps, err := c.capabilities(ctx)
	if err != nil {
		c.logger.Warn("failed to query inference server capabilities", "error", err)
		return false
	}
	return caps.GPU
}

type tokenizer struct {
	source string
}

func (t tokenizer) Source() string { return t.source }

// LoadTokenizer only verifies the tokenizer ships with the model; the server tokenizes.
func (c *Client) LoadTokenizer(_ context.Context, dir string) (modelrt.Tokenizer, error) {
	tok, err := modelrt.FindTokenizer(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return tokenizer{source: tok.File}, nil
}

func (c *Client) LoadModel(ctx context.Context, dir string, placement modelrt.Placement) (modelrt.Model, error) {
	if _, err := c.capabilities(ctx); err != nil && !errors.Is(err, errNoCapabilities) {
		return nil, fmt.Errorf("inference server unreachable: %w", err)
	}
	c.logger.Info("using remote inference server", "host", c.host, "dir", filepath.Base(dir), "device", placement.Device)
	return &Model{client: c}, nil
}

var errNoCapabilities = errors.New("inference server does not expose capabilities")

func (c *Client) capabilities(ctx context.Context) (*capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.host+"/capabilities", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return nil, errNoCapabilities
	}
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("%w: status code was %d", ErrBadStatusCode, res.StatusCode)
	}

	var caps capabilities
	if err := json.NewDecoder(res.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities JSON: %w", err)
	}
	return &caps, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "glyph/"+versioninfo.Short())
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
}

type Model struct {
	client *Client
}

// SupportsParams reads GET /capabilities. Servers without that route take the minimal shape.
func (m *Model) SupportsParams(ctx context.Context) (bool, error) {
	caps, err := m.client.capabilities(ctx)
	if errors.Is(err, errNoCapabilities) {
		engine.ProbeResults.WithLabelValues(Name, engine.Shape(false)).Inc()
		return false, nil
	}
	engine.ProbeResults.WithLabelValues(Name, engine.ProbeLabel(caps != nil && caps.Extended, err)).Inc()
	if err != nil {
		return false, err
	}
	return caps.Extended, nil
}

func (m *Model) Infer(ctx context.Context, _ modelrt.Tokenizer, in modelrt.Invocation) error {
	ctx, span := tracer.Start(ctx, "Remote.Infer")
	defer span.End()

	c := m.client
	extended := in.Params != nil

	img, err := os.ReadFile(in.ImageFile)
	if err != nil {
		return fmt.Errorf("failed to read input image: %w", err)
	}
	span.SetAttributes(attribute.Bool("extended", extended), attribute.Int("image_size", len(img)))

	payload := inferRequest{
		Prompt:   in.Prompt,
		ImageB64: base64.StdEncoding.EncodeToString(img),
	}
	if p := in.Params; p != nil {
		crop := p.CropMode != "" && p.CropMode != "none" && p.CropMode != "false"
		payload.BaseSize = &p.BaseSize
		payload.ImageSize = &p.ImageSize
		payload.CropMode = &crop
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait on rate limiter: %w", err)
	}
	span.AddEvent("rate limit allowed")

	req, err := http.NewRequestWithContext(ctx, "POST", c.host+"/infer", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	status := "error"
	defer func() {
		engine.InferDuration.WithLabelValues(Name, engine.Shape(extended), status).Observe(time.Since(start).Seconds())
	}()

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		if res.StatusCode == http.StatusUnprocessableEntity && extended {
			return fmt.Errorf("%w: %s", modelrt.ErrSignatureMismatch, strings.TrimSpace(string(detail)))
		}
		return fmt.Errorf("%w: status code was %d: %s", ErrBadStatusCode, res.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed inferResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to parse inference JSON: %w", err)
	}

	if err := os.WriteFile(filepath.Join(in.OutputPath, "result.mmd"), []byte(parsed.Text), 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	status = "ok"
	return nil
}
