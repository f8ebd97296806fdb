// Package server is glyph's HTTP API: routing, upload validation, error mapping and the metrics
// listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bluesky-social/glyph/audit"
	"github.com/bluesky-social/glyph/config"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("server")

// Extractor is the OCR facade the handlers call. *ocr.Service implements it.
type Extractor interface {
	ExtractText(content string) string
	ExtractTextFromImage(ctx context.Context, data []byte) (string, error)
	Engine() string
}

type Server struct {
	httpd        *http.Server
	metricsHttpd *http.Server
	echo         *echo.Echo
	logger       *slog.Logger
	settings     *config.Settings
	service      Extractor
	audit        *audit.Manager
	jwtSecret    []byte
}

type Args struct {
	Settings *config.Settings
	Service  Extractor
	// Audit is optional; scans are not recorded without it.
	Audit  *audit.Manager
	Logger *slog.Logger
}

// NewLogger builds the process logger: JSON on stdout, debug level when enabled.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func New(args *Args) (*Server, error) {
	if args.Settings == nil {
		return nil, errors.New("server requires settings")
	}
	if args.Service == nil {
		return nil, errors.New("server requires an ocr service")
	}

	level := slog.LevelInfo
	if args.Settings.Debug {
		level = slog.LevelDebug
	}
	if args.Logger == nil {
		args.Logger = NewLogger(args.Settings.Debug)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(args.Logger)

	// scoped registry so several servers can live in one process (tests)
	reg := prometheus.NewRegistry()

	e.Use(middleware.Recover())
	e.Use(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "glyph",
		Registerer: reg,
	}))

	healthPath := args.Settings.APIPrefix + "/health"
	slogEchoCfg := slogecho.Config{
		DefaultLevel:     level,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
		Filters: []slogecho.Filter{
			func(ctx echo.Context) bool {
				return ctx.Request().URL.Path != healthPath
			},
		},
	}

	e.Use(slogecho.NewWithConfig(args.Logger, slogEchoCfg))

	httpd := &http.Server{
		Addr:              args.Settings.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{reg, prometheus.DefaultGatherer}, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/debug/pprof/", pprof.Index)
	metricsMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	metricsMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	metricsMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	metricsMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	metricsHttpd := &http.Server{
		Addr:    args.Settings.MetricsAddr,
		Handler: metricsMux,
	}

	s := &Server{
		httpd:        httpd,
		metricsHttpd: metricsHttpd,
		echo:         e,
		logger:       args.Logger,
		settings:     args.Settings,
		service:      args.Service,
		audit:        args.Audit,
		jwtSecret:    []byte(args.Settings.APIJWTSecret),
	}
	s.addRoutes()

	return s, nil
}

// Run serves until ctx is done or the process receives SIGINT/SIGTERM, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.metricsHttpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("failed to start glyph metrics server", "error", err)
		}
	}()

	wg := sync.WaitGroup{}
	wg.Add(1)

	serveErr := make(chan error, 1)
	shutdownEcho := make(chan struct{})
	go func() {
		defer wg.Done()
		log := s.logger.With("component", "glyph_echo")
		log.Info("glyph api server listening", "addr", s.httpd.Addr)

		go func() {
			if err := s.httpd.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("failed to start glyph api server", "error", err)
				serveErr <- err
			}
		}()

		<-shutdownEcho

		log.Info("shutting down glyph api server")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := s.httpd.Shutdown(ctx); err != nil {
			log.Error("failed to shut down glyph api server", "error", err)
		}
		if err := s.metricsHttpd.Shutdown(ctx); err != nil {
			log.Error("failed to shut down glyph metrics server", "error", err)
		}
		if s.audit != nil {
			if err := s.audit.Close(ctx); err != nil {
				log.Error("failed to flush scan audit", "error", err)
			}
		}

		log.Info("glyph api server shut down")
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var err error
	select {
	case <-signals:
		s.logger.Info("shutting down on signal")
	case <-ctx.Done():
		s.logger.Info("shutting down on context done")
	case err = <-serveErr:
	}

	close(shutdownEcho)
	wg.Wait()

	s.logger.Info("shut down successfully")

	return err
}

func (s *Server) addRoutes() {
	s.echo.GET("/", s.handleRoot)

	api := s.echo.Group(s.settings.APIPrefix)
	api.GET("/health", s.handleHealth)

	ocr := api.Group("/ocr")
	if s.settings.APIKey != "" || len(s.jwtSecret) > 0 {
		ocr.Use(s.requireAuth)
	}
	ocr.POST("/extract", s.handleExtract)
	ocr.POST("/scan", s.handleScan)
}

// ServeHTTP lets the server be driven directly, e.g. by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
