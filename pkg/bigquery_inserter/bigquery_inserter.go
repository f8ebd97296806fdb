// Package bigqueryinserter batches rows and streams them into a BigQuery table without blocking
// callers on the network for every row.
package bigqueryinserter

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/api/option"
)

const defaultMaxPendingSends = 100

// Putter is the streaming insert call. *bigquery.Inserter implements it.
type Putter interface {
	Put(ctx context.Context, src any) error
}

type BigQueryInserter struct {
	putter Putter

	insertMu     sync.Mutex
	queuedRows   []any
	batchSize    int
	sendMu       sync.Mutex
	pendingSends int

	maxPendingSends   int
	insertsCounter    *prometheus.CounterVec
	pendingSendsGauge prometheus.Gauge
	sendHist          prometheus.Histogram
	logger            *slog.Logger
	table             string
}

type Args struct {
	CredentialsPath string
	CredentialsJSON []byte
	ProjectID       string
	DatasetID       string
	TableID         string

	// BatchSize is the number of queued rows that triggers a send. Values below 1 send every row.
	BatchSize       int
	MaxPendingSends int
	// MetricsNamespace enables prometheus metrics under this namespace. Each namespace may only be
	// used once per process.
	MetricsNamespace string
	Logger           *slog.Logger
}

// New connects to BigQuery with explicit credentials and targets ProjectID.DatasetID.TableID.
func New(ctx context.Context, args *Args) (*BigQueryInserter, error) {
	var opt option.ClientOption
	switch {
	case args.CredentialsPath != "":
		opt = option.WithCredentialsFile(args.CredentialsPath)
	case len(args.CredentialsJSON) > 0:
		opt = option.WithCredentialsJSON(args.CredentialsJSON)
	default:
		return nil, fmt.Errorf("no credentials passed to bigquery inserter")
	}

	bqc, err := bigquery.NewClient(ctx, args.ProjectID, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	return NewWithPutter(bqc.Dataset(args.DatasetID).Table(args.TableID).Inserter(), args), nil
}

func NewWithPutter(p Putter, args *Args) *BigQueryInserter {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.MaxPendingSends <= 0 {
		args.MaxPendingSends = defaultMaxPendingSends
	}
	if args.BatchSize < 1 {
		args.BatchSize = 1
	}

	bqi := &BigQueryInserter{
		putter:          p,
		batchSize:       args.BatchSize,
		maxPendingSends: args.MaxPendingSends,
		logger:          args.Logger.With("table", args.TableID),
		table:           args.TableID,
	}

	if args.MetricsNamespace != "" {
		bqi.insertsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
			Name:      "bigquery_inserts",
			Namespace: args.MetricsNamespace,
			Help:      "total inserts into bigquery by status",
		}, []string{"status"})
		bqi.pendingSendsGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name:      "bigquery_pending_sends",
			Namespace: args.MetricsNamespace,
			Help:      "total bigquery insertions that are in progress",
		})
		bqi.sendHist = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:      "bigquery_send_time",
			Namespace: args.MetricsNamespace,
			Help:      "histogram of bigquery streaming insert times",
			Buckets:   prometheus.ExponentialBucketsRange(0.01, 60, 20),
		})
	} else {
		args.Logger.Info("no metrics namespace provided, no metrics will be registered for this inserter", "dataset", args.DatasetID, "table", args.TableID)
	}

	return bqi
}

// Insert queues row and sends the batch once it is full. Send failures are logged, not returned.
func (i *BigQueryInserter) Insert(ctx context.Context, row any) error {
	i.insertMu.Lock()

	i.queuedRows = append(i.queuedRows, row)

	var toInsert []any
	if len(i.queuedRows) >= i.batchSize {
		toInsert = slices.Clone(i.queuedRows)
		i.queuedRows = nil
	}

	i.insertMu.Unlock()

	if len(toInsert) > 0 {
		i.sendStream(ctx, toInsert)
	}

	return nil
}

// Close flushes queued rows.
func (i *BigQueryInserter) Close(ctx context.Context) error {
	i.insertMu.Lock()
	toInsert := i.queuedRows
	i.queuedRows = nil
	i.insertMu.Unlock()

	if len(toInsert) > 0 {
		i.sendStream(ctx, toInsert)
	}

	return nil
}

// Queued is the number of rows waiting for a full batch.
func (i *BigQueryInserter) Queued() int {
	i.insertMu.Lock()
	defer i.insertMu.Unlock()
	return len(i.queuedRows)
}

func (i *BigQueryInserter) sendStream(ctx context.Context, toInsert []any) {
	i.sendMu.Lock()
	if i.pendingSends >= i.maxPendingSends {
		pending := i.pendingSends
		i.sendMu.Unlock()
		i.logger.Warn("dropped bigquery insertion due to too many pending sends", "pending-sends", pending, "max-pending-sends", i.maxPendingSends, "rows", len(toInsert))
		i.count("dropped", len(toInsert))
		return
	}
	i.pendingSends++
	if i.pendingSendsGauge != nil {
		i.pendingSendsGauge.Inc()
	}
	i.sendMu.Unlock()

	defer func() {
		i.sendMu.Lock()
		i.pendingSends--
		if i.pendingSendsGauge != nil {
			i.pendingSendsGauge.Dec()
		}
		i.sendMu.Unlock()
	}()

	start := time.Now()
	status := "ok"
	if err := i.putter.Put(ctx, toInsert); err != nil {
		status = "error"
		i.logger.Error("unable to insert rows into bigquery", "error", err, "rows", len(toInsert))
	} else {
		i.logger.Debug("successfully inserted rows to bigquery", "count", len(toInsert))
	}

	if i.sendHist != nil {
		i.sendHist.Observe(time.Since(start).Seconds())
	}
	i.count(status, len(toInsert))
}

func (i *BigQueryInserter) count(status string, n int) {
	if i.insertsCounter != nil {
		i.insertsCounter.WithLabelValues(status).Add(float64(n))
	}
}
