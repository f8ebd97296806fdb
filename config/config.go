// Package config declares glyph's settings as CLI flags bound to environment variables and turns
// a parsed command line into an immutable Settings snapshot.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

type Settings struct {
	AppName   string
	AppEnv    string
	Debug     bool
	APIPrefix string

	MaxFileSize       int64
	AllowedExtensions []string

	ModelPath   string
	Prompt      string
	BaseSize    int
	ImageSize   int
	CropMode    string
	Device      string
	UseBFloat16 bool

	ListenAddr              string
	MetricsAddr             string
	TempDir                 string
	MaxConcurrentInferences int64
	InferTimeout            time.Duration

	Engine             string
	RunnerPath         string
	RemoteURL          string
	RemoteToken        string
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	OpenAIModel        string
	TesseractLanguages []string

	Cache            string
	CacheSize        int
	CacheTTL         time.Duration
	MemcachedServers []string
	BadgerPath       string

	BigQueryCredentialsJSON string
	BigQueryProjectID       string
	BigQueryDatasetID       string
	BigQueryTableID         string
	SlackWebhookURL         string

	APIKey       string
	APIJWTSecret string
}

// AllowsExtension reports whether ext (with leading dot, any case) is in the allow list.
func (s *Settings) AllowsExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range s.AllowedExtensions {
		if allowed == ext {
			return true
		}
	}
	return false
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "app-name",
			EnvVars: []string{"APP_NAME"},
			Value:   "OCR API",
		},
		&cli.StringFlag{
			Name:    "app-env",
			EnvVars: []string{"APP_ENV"},
			Value:   "dev",
		},
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"DEBUG"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "api-prefix",
			EnvVars: []string{"API_V1_PREFIX"},
			Value:   "/api/v1",
		},
		&cli.Int64Flag{
			Name:    "max-file-size",
			Usage:   "maximum accepted upload size in bytes",
			EnvVars: []string{"OCR_SCAN_MAX_FILE_SIZE"},
			Value:   10 * 1024 * 1024,
		},
		&cli.StringSliceFlag{
			Name:    "allowed-extensions",
			EnvVars: []string{"OCR_SCAN_ALLOWED_EXTENSIONS"},
			Value:   cli.NewStringSlice(".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff"),
		},
		&cli.StringFlag{
			Name:    "model-path",
			Usage:   "local directory holding the pre-downloaded model, relative paths resolve against the working directory",
			EnvVars: []string{"DEEPSEEK_MODEL_PATH"},
			Value:   "models/DeepSeek-OCR",
		},
		&cli.StringFlag{
			Name:    "prompt",
			EnvVars: []string{"DEEPSEEK_PROMPT"},
			Value:   "<image>\n<|grounding|>Convert the document to markdown. ",
		},
		&cli.IntFlag{
			Name:    "base-size",
			EnvVars: []string{"DEEPSEEK_BASE_SIZE"},
			Value:   1024,
		},
		&cli.IntFlag{
			Name:    "image-size",
			EnvVars: []string{"DEEPSEEK_IMAGE_SIZE"},
			Value:   1024,
		},
		&cli.StringFlag{
			Name:    "crop-mode",
			EnvVars: []string{"DEEPSEEK_CROP_MODE"},
			Value:   "none",
		},
		&cli.StringFlag{
			Name:    "device",
			EnvVars: []string{"DEEPSEEK_DEVICE"},
			Value:   "cuda",
		},
		&cli.BoolFlag{
			Name:    "use-bfloat16",
			EnvVars: []string{"DEEPSEEK_USE_BFLOAT16"},
			Value:   true,
		},
		&cli.StringFlag{
			Name:    "api-listen-addr",
			EnvVars: []string{"GLYPH_LISTEN_ADDR"},
			Value:   ":8000",
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			EnvVars: []string{"GLYPH_METRICS_ADDR"},
			Value:   ":8001",
		},
		&cli.StringFlag{
			Name:    "temp-dir",
			Usage:   "parent directory for per-request scratch directories, system default when empty",
			EnvVars: []string{"OCR_TEMP_DIR"},
		},
		&cli.Int64Flag{
			Name:    "max-concurrent-inferences",
			Usage:   "0 means unlimited",
			EnvVars: []string{"OCR_MAX_CONCURRENT_INFERENCES"},
			Value:   0,
		},
		&cli.DurationFlag{
			Name:    "infer-timeout",
			Usage:   "0 means no timeout",
			EnvVars: []string{"OCR_INFER_TIMEOUT"},
			Value:   0,
		},
		&cli.StringFlag{
			Name:    "engine",
			Usage:   "inference engine: runner, remote, openai or tesseract",
			EnvVars: []string{"OCR_ENGINE"},
			Value:   "runner",
		},
		&cli.StringFlag{
			Name:    "runner-path",
			EnvVars: []string{"OCR_RUNNER_PATH"},
			Value:   "deepseek-ocr-infer",
		},
		&cli.StringFlag{
			Name:    "remote-url",
			EnvVars: []string{"OCR_REMOTE_URL"},
		},
		&cli.StringFlag{
			Name:    "remote-token",
			EnvVars: []string{"OCR_REMOTE_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "openai-base-url",
			Usage:   "OpenAI-compatible server for the openai engine, e.g. http://vllm:8000/v1",
			EnvVars: []string{"OCR_OPENAI_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			EnvVars: []string{"OCR_OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "openai-model",
			Usage:   "served model name, defaults to the model directory name",
			EnvVars: []string{"OCR_OPENAI_MODEL"},
		},
		&cli.StringSliceFlag{
			Name:    "tesseract-languages",
			EnvVars: []string{"OCR_TESSERACT_LANGUAGES"},
			Value:   cli.NewStringSlice("eng"),
		},
		&cli.StringFlag{
			Name:    "cache",
			Usage:   "result cache: none, memory, memcached or badger",
			EnvVars: []string{"OCR_CACHE"},
			Value:   "none",
		},
		&cli.IntFlag{
			Name:    "cache-size",
			EnvVars: []string{"OCR_CACHE_SIZE"},
			Value:   1000,
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			EnvVars: []string{"OCR_CACHE_TTL"},
			Value:   time.Hour,
		},
		&cli.StringSliceFlag{
			Name:    "memcached-servers",
			EnvVars: []string{"OCR_MEMCACHED_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "badger-path",
			EnvVars: []string{"OCR_BADGER_PATH"},
			Value:   "data/cache",
		},
		&cli.StringFlag{
			Name:    "bigquery-credentials-json",
			EnvVars: []string{"AUDIT_BIGQUERY_CREDENTIALS_JSON"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			EnvVars: []string{"AUDIT_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset-id",
			EnvVars: []string{"AUDIT_BIGQUERY_DATASET_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-id",
			EnvVars: []string{"AUDIT_BIGQUERY_TABLE_ID"},
			Value:   "scan_logs",
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			EnvVars: []string{"AUDIT_SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			EnvVars: []string{"API_KEY"},
		},
		&cli.StringFlag{
			Name:    "api-jwt-secret",
			EnvVars: []string{"API_JWT_SECRET"},
		},
	}
}

// FromCLI snapshots the parsed flags.
func FromCLI(cmd *cli.Context) (*Settings, error) {
	s := &Settings{
		AppName:   cmd.String("app-name"),
		AppEnv:    cmd.String("app-env"),
		Debug:     cmd.Bool("debug"),
		APIPrefix: cmd.String("api-prefix"),

		MaxFileSize:       cmd.Int64("max-file-size"),
		AllowedExtensions: NormalizeExtensions(cmd.StringSlice("allowed-extensions")),

		ModelPath:   cmd.String("model-path"),
		Prompt:      cmd.String("prompt"),
		BaseSize:    cmd.Int("base-size"),
		ImageSize:   cmd.Int("image-size"),
		CropMode:    cmd.String("crop-mode"),
		Device:      cmd.String("device"),
		UseBFloat16: cmd.Bool("use-bfloat16"),

		ListenAddr:              cmd.String("api-listen-addr"),
		MetricsAddr:             cmd.String("metrics-addr"),
		TempDir:                 cmd.String("temp-dir"),
		MaxConcurrentInferences: cmd.Int64("max-concurrent-inferences"),
		InferTimeout:            cmd.Duration("infer-timeout"),

		Engine:             strings.ToLower(cmd.String("engine")),
		RunnerPath:         cmd.String("runner-path"),
		RemoteURL:          cmd.String("remote-url"),
		RemoteToken:        cmd.String("remote-token"),
		OpenAIBaseURL:      cmd.String("openai-base-url"),
		OpenAIAPIKey:       cmd.String("openai-api-key"),
		OpenAIModel:        cmd.String("openai-model"),
		TesseractLanguages: cmd.StringSlice("tesseract-languages"),

		Cache:            strings.ToLower(cmd.String("cache")),
		CacheSize:        cmd.Int("cache-size"),
		CacheTTL:         cmd.Duration("cache-ttl"),
		MemcachedServers: cmd.StringSlice("memcached-servers"),
		BadgerPath:       cmd.String("badger-path"),

		BigQueryCredentialsJSON: cmd.String("bigquery-credentials-json"),
		BigQueryProjectID:       cmd.String("bigquery-project-id"),
		BigQueryDatasetID:       cmd.String("bigquery-dataset-id"),
		BigQueryTableID:         cmd.String("bigquery-table-id"),
		SlackWebhookURL:         cmd.String("slack-webhook-url"),

		APIKey:       cmd.String("api-key"),
		APIJWTSecret: cmd.String("api-jwt-secret"),
	}

	if s.MaxFileSize < 0 {
		return nil, fmt.Errorf("max-file-size must not be negative, got %d", s.MaxFileSize)
	}

	return s, nil
}

// NormalizeExtensions lower-cases entries, adds a missing leading dot and drops blanks and
// duplicates while keeping the configured order.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	seen := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
