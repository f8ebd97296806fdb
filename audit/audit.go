// Package audit records one ScanLog per scan request and fans it out to every configured sink.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
)

type ScanLog struct {
	RequestID    string              `bigquery:"request_id" json:"requestId"`
	Filename     string              `bigquery:"filename" json:"filename"`
	Extension    string              `bigquery:"extension" json:"extension"`
	Size         int64               `bigquery:"size" json:"size"`
	StatusCode   int                 `bigquery:"status_code" json:"statusCode"`
	Outcome      string              `bigquery:"outcome" json:"outcome"`
	ErrorKind    bigquery.NullString `bigquery:"error_kind" json:"errorKind"`
	ErrorMessage bigquery.NullString `bigquery:"error_message" json:"errorMessage"`
	DurationMs   int64               `bigquery:"duration_ms" json:"durationMs"`
	Engine       string              `bigquery:"engine" json:"engine"`
	CreatedAt    time.Time           `bigquery:"created_at" json:"createdAt"`
}

// SetError records the kind and client facing message of a failed scan.
func (l *ScanLog) SetError(kind, msg string) {
	l.ErrorKind = bigquery.NullString{StringVal: kind, Valid: kind != ""}
	l.ErrorMessage = bigquery.NullString{StringVal: msg, Valid: msg != ""}
}

type Logger interface {
	Name() string
	LogScan(ctx context.Context, log *ScanLog) error
	Close(ctx context.Context) error
}

// queueSize bounds scans waiting for delivery; Submit drops records beyond it.
const queueSize = 256

// Manager fans scan logs out to every logger from a single background worker.
type Manager struct {
	loggers []Logger
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan *ScanLog
	done   chan struct{}
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		loggers: []Logger{},
		logger:  logger.With("component", "audit"),
		queue:   make(chan *ScanLog, queueSize),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for log := range m.queue {
		if err := m.LogScan(context.Background(), log); err != nil {
			deliveryFailures.Inc()
			m.logger.Error("failed to record scan", "request_id", log.RequestID, "error", err)
		}
	}
}

// Submit queues log for delivery without blocking. It reports false when the record was dropped
// because the queue is full or the manager is closed.
func (m *Manager) Submit(log *ScanLog) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		droppedScans.Inc()
		return false
	}
	select {
	case m.queue <- log:
		return true
	default:
		droppedScans.Inc()
		m.logger.Warn("scan audit queue full, dropping record", "request_id", log.RequestID)
		return false
	}
}

func (m *Manager) AddLogger(l Logger) error {
	if m.includesLogger(l) {
		return fmt.Errorf("a logger with the same name %s already exists", l.Name())
	}
	m.loggers = append(m.loggers, l)
	return nil
}

// LogScan hands log to every logger, joining their errors.
func (m *Manager) LogScan(ctx context.Context, log *ScanLog) error {
	var err error
	for _, l := range m.loggers {
		if lerr := l.LogScan(ctx, log); lerr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", l.Name(), lerr))
		}
	}
	return err
}

// Close stops accepting scans, waits for queued ones to be delivered and closes every logger.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain scan audit queue: %w", ctx.Err())
	}

	var err error
	for _, l := range m.loggers {
		if lerr := l.Close(ctx); lerr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", l.Name(), lerr))
		}
	}
	return err
}

func (m *Manager) includesLogger(logger Logger) bool {
	name := logger.Name()
	for _, l := range m.loggers {
		if l.Name() == name {
			return true
		}
	}
	return false
}
