package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bluesky-social/glyph/audit"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
)

// multipart framing allowance on top of the file size limit
const multipartOverhead = 1 << 20

type ExtractionRequest struct {
	Content *string `json:"content"`
}

type ExtractionResult struct {
	Text string `json:"text"`
}

type ErrorResult struct {
	Detail string `json:"detail"`
}

func makeErrorJson(detail string) ErrorResult {
	return ErrorResult{
		Detail: detail,
	}
}

// errorHandler renders echo's own errors (404, 405, panics) in the same {"detail": ...} shape.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, e echo.Context) {
		if e.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		detail := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			detail = http.StatusText(code)
			if msg, ok := he.Message.(string); ok && msg != "" {
				detail = msg
			}
		} else {
			logger.Error("unhandled error", "error", err)
		}

		if e.Request().Method == http.MethodHead {
			err = e.NoContent(code)
		} else {
			err = e.JSON(code, makeErrorJson(detail))
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

// statusFor maps a service error to an HTTP status and the detail shown to the client.
func statusFor(err error) (int, string) {
	switch ocrerr.KindOf(err) {
	case ocrerr.KindInvalidInput:
		return http.StatusBadRequest, ocrerr.Message(err)
	case ocrerr.KindConfiguration, ocrerr.KindDependencyMissing, ocrerr.KindBackend:
		return http.StatusServiceUnavailable, ocrerr.Message(err)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) handleRoot(e echo.Context) error {
	return e.JSON(http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s is running", s.settings.AppName),
	})
}

func (s *Server) handleHealth(e echo.Context) error {
	return e.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.settings.AppName,
	})
}

func (s *Server) handleExtract(e echo.Context) error {
	start := time.Now()
	status := "error"
	defer func() {
		requestsProcessed.WithLabelValues(status, "extract").Inc()
		requestTimeHist.WithLabelValues(status, "extract").Observe(time.Since(start).Seconds())
	}()

	var req ExtractionRequest
	if err := json.NewDecoder(e.Request().Body).Decode(&req); err != nil {
		status = "rejected"
		return e.JSON(http.StatusUnprocessableEntity, makeErrorJson("Invalid JSON body"))
	}
	if req.Content == nil {
		status = "rejected"
		return e.JSON(http.StatusUnprocessableEntity, makeErrorJson("Field required: content"))
	}
	if *req.Content == "" {
		status = "rejected"
		return e.JSON(http.StatusUnprocessableEntity, makeErrorJson("content should have at least 1 character"))
	}

	status = "ok"
	return e.JSON(http.StatusOK, ExtractionResult{
		Text: s.service.ExtractText(*req.Content),
	})
}

func (s *Server) handleScan(e echo.Context) error {
	ctx, span := tracer.Start(e.Request().Context(), "handleScan")
	defer span.End()

	start := time.Now()
	scan := &audit.ScanLog{
		RequestID: e.Response().Header().Get(echo.HeaderXRequestID),
		Engine:    s.service.Engine(),
		CreatedAt: start,
	}
	status := "error"
	defer func() {
		requestsProcessed.WithLabelValues(status, "scan").Inc()
		requestTimeHist.WithLabelValues(status, "scan").Observe(time.Since(start).Seconds())

		scan.StatusCode = e.Response().Status
		if !e.Response().Committed {
			// returned errors are rendered by the error handler after this runs
			scan.StatusCode = http.StatusInternalServerError
		}
		scan.Outcome = status
		scan.DurationMs = time.Since(start).Milliseconds()
		if s.audit != nil {
			s.audit.Submit(scan)
		}
	}()

	reject := func(code int, kind, detail string) error {
		status = "rejected"
		scan.SetError(kind, detail)
		return e.JSON(code, makeErrorJson(detail))
	}

	req := e.Request()
	req.Body = http.MaxBytesReader(e.Response(), req.Body, s.settings.MaxFileSize+multipartOverhead)

	part, err := filePart(req)
	if err != nil {
		if isTooLarge(err) {
			return reject(http.StatusRequestEntityTooLarge, "too_large", s.tooLarge())
		}
		return reject(http.StatusUnprocessableEntity, "validation", "Field required: file")
	}
	defer part.Close()

	filename := part.FileName()
	scan.Filename = filename
	span.SetAttributes(attribute.String("filename", filename))

	if strings.TrimSpace(filename) == "" {
		return reject(http.StatusBadRequest, ocrerr.KindInvalidInput.String(), "Missing file name")
	}

	ext := fileExtension(filename)
	scan.Extension = ext
	if !s.settings.AllowsExtension(ext) {
		return reject(http.StatusBadRequest, ocrerr.KindInvalidInput.String(), fmt.Sprintf("Unsupported file extension: %s", ext))
	}

	data, err := io.ReadAll(io.LimitReader(part, s.settings.MaxFileSize+1))
	if err != nil {
		if isTooLarge(err) {
			return reject(http.StatusRequestEntityTooLarge, "too_large", s.tooLarge())
		}
		return reject(http.StatusBadRequest, ocrerr.KindInvalidInput.String(), "Malformed multipart body")
	}
	scan.Size = int64(len(data))
	span.SetAttributes(attribute.Int64("size", scan.Size))
	if scan.Size > s.settings.MaxFileSize {
		return reject(http.StatusRequestEntityTooLarge, "too_large", s.tooLarge())
	}
	uploadSizeHist.Observe(float64(len(data)))

	text, err := s.service.ExtractTextFromImage(ctx, data)
	if err != nil {
		code, detail := statusFor(err)
		scan.SetError(ocrerr.KindOf(err).String(), detail)
		if code >= 500 {
			s.logger.Error("error getting text from image", "request_id", scan.RequestID, "filename", filename, "error", err)
		} else {
			status = "rejected"
		}
		return e.JSON(code, makeErrorJson(detail))
	}

	status = "ok"
	return e.JSON(http.StatusOK, ExtractionResult{
		Text: text,
	})
}

// filePart advances the multipart body to the part named file. Only part headers are read, so the
// file name can be checked before any file data is consumed.
func filePart(req *http.Request) (*multipart.Part, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, http.ErrMissingFile
			}
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// fileExtension returns the lower-cased final suffix of name. A leading dot alone does not make a
// suffix, so ".png" and "README" both have none.
func fileExtension(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i:])
}

func (s *Server) tooLarge() string {
	return fmt.Sprintf("File too large. Limit: %d bytes", s.settings.MaxFileSize)
}
