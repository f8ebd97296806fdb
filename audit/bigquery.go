package audit

import (
	"context"
	"fmt"
	"log/slog"

	bigqueryinserter "github.com/bluesky-social/glyph/pkg/bigquery_inserter"
)

// rowInserter is the part of *bigqueryinserter.BigQueryInserter the logger needs.
type rowInserter interface {
	Insert(ctx context.Context, row any) error
	Close(ctx context.Context) error
}

type BigQueryLogger struct {
	inserter rowInserter
	logger   *slog.Logger
}

type BigQueryLoggerArgs struct {
	CredentialsJson []byte
	ProjectID       string
	DatasetID       string
	TableID         string
	Logger          *slog.Logger
}

func NewBigQueryLogger(ctx context.Context, args *BigQueryLoggerArgs) (*BigQueryLogger, error) {
	logger := args.Logger.With("component", "bigquery_logger")

	inserter, err := bigqueryinserter.New(ctx, &bigqueryinserter.Args{
		CredentialsJSON: args.CredentialsJson,
		ProjectID:       args.ProjectID,
		DatasetID:       args.DatasetID,
		TableID:         args.TableID,
		MaxPendingSends: 100,
		// scans are slow and comparatively rare, so keep batches small
		BatchSize:        10,
		MetricsNamespace: "glyph_audit",
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery inserter: %w", err)
	}

	return &BigQueryLogger{inserter: inserter, logger: logger}, nil
}

func (l *BigQueryLogger) Name() string {
	return "bigquery"
}

func (l *BigQueryLogger) LogScan(ctx context.Context, log *ScanLog) error {
	// the request context ends with the response; the batch send must outlive it
	return l.inserter.Insert(context.WithoutCancel(ctx), log)
}

func (l *BigQueryLogger) Close(ctx context.Context) error {
	return l.inserter.Close(ctx)
}
