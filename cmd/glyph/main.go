package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/bluesky-social/glyph/audit"
	"github.com/bluesky-social/glyph/cache"
	"github.com/bluesky-social/glyph/config"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/ocr"
	"github.com/bluesky-social/glyph/server"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	_ "github.com/bluesky-social/glyph/engine/openai"
	_ "github.com/bluesky-social/glyph/engine/remote"
	_ "github.com/bluesky-social/glyph/engine/runner"
	_ "github.com/bluesky-social/glyph/engine/tesseract"
)

func main() {
	app := cli.App{
		Name:    "glyph",
		Usage:   "an ocr api backed by a locally hosted deepseek-ocr model",
		Version: versioninfo.Short(),
		Flags:   config.Flags(),
		Action: func(cmd *cli.Context) error {
			settings, err := config.FromCLI(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context, settings)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, settings *config.Settings) error {
	logger := server.NewLogger(settings.Debug).With("app", settings.AppName, "env", settings.AppEnv)
	slog.SetDefault(logger)

	loader, err := modelrt.Open(settings.Engine, engineOptions(settings, logger))
	if err != nil {
		return err
	}

	holder := modelrt.NewHolder(&modelrt.HolderArgs{
		Loader:      loader,
		ModelPath:   settings.ModelPath,
		Device:      settings.Device,
		UseBFloat16: settings.UseBFloat16,
		Logger:      logger,
	})

	c, err := cache.New(&cache.Args{
		Kind:             settings.Cache,
		Size:             settings.CacheSize,
		TTL:              settings.CacheTTL,
		MemcachedServers: settings.MemcachedServers,
		BadgerPath:       settings.BadgerPath,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create result cache: %w", err)
	}
	if c != nil {
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error("failed to close result cache", "error", err)
			}
		}()
	}

	svc := ocr.New(&ocr.Args{
		Runtime: holder,
		Prompt:  settings.Prompt,
		Params: modelrt.Params{
			BaseSize:  settings.BaseSize,
			ImageSize: settings.ImageSize,
			CropMode:  settings.CropMode,
		},
		Cache:         c,
		MaxConcurrent: settings.MaxConcurrentInferences,
		Timeout:       settings.InferTimeout,
		TempDir:       settings.TempDir,
		Logger:        logger,
	})

	am, err := auditManager(ctx, settings, logger)
	if err != nil {
		return err
	}

	s, err := server.New(&server.Args{
		Settings: settings,
		Service:  svc,
		Audit:    am,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting glyph", "version", versioninfo.Short(), "engine", settings.Engine, "cache", settings.Cache)

	return s.Run(ctx)
}

func engineOptions(settings *config.Settings, logger *slog.Logger) modelrt.Options {
	opts := modelrt.Options{
		Command:   settings.RunnerPath,
		Model:     settings.OpenAIModel,
		Languages: settings.TesseractLanguages,
		Logger:    logger,
	}
	switch settings.Engine {
	case "remote":
		opts.Endpoint = settings.RemoteURL
		opts.Token = settings.RemoteToken
	case "openai":
		opts.Endpoint = settings.OpenAIBaseURL
		opts.Token = settings.OpenAIAPIKey
	}
	return opts
}

// auditManager always logs scans through slog and adds BigQuery and Slack when configured.
func auditManager(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*audit.Manager, error) {
	am := audit.NewManager(logger)

	if err := am.AddLogger(audit.NewSlogLogger(logger)); err != nil {
		return nil, err
	}

	if settings.BigQueryProjectID != "" && settings.BigQueryDatasetID != "" && settings.BigQueryCredentialsJSON != "" {
		bq, err := audit.NewBigQueryLogger(ctx, &audit.BigQueryLoggerArgs{
			CredentialsJson: []byte(settings.BigQueryCredentialsJSON),
			ProjectID:       settings.BigQueryProjectID,
			DatasetID:       settings.BigQueryDatasetID,
			TableID:         settings.BigQueryTableID,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		if err := am.AddLogger(bq); err != nil {
			return nil, err
		}
	} else {
		logger.Info("bigquery scan audit disabled")
	}

	if settings.SlackWebhookURL != "" {
		if err := am.AddLogger(audit.NewSlackLogger(settings.SlackWebhookURL, settings.AppName)); err != nil {
			return nil, err
		}
	}

	return am, nil
}
