package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/glyph/cache"
	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

type fakeTokenizer struct{}

func (fakeTokenizer) Source() string { return "fake" }

// fakeModel writes result into result.mmd, or fails the way it is told to.
type fakeModel struct {
	result       string
	err          error
	noResult     bool
	rejectParams bool
	block        bool
	// gate, when set, holds every inference until closed regardless of the context
	gate chan struct{}

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu        sync.Mutex
	lastInput image.Image
	lastCall  modelrt.Invocation
}

func (m *fakeModel) Infer(ctx context.Context, _ modelrt.Tokenizer, in modelrt.Invocation) error {
	m.calls.Add(1)

	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if cur <= peak || m.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}
	if m.gate != nil {
		<-m.gate
	}

	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.rejectParams && in.Params != nil {
		return modelrt.ErrSignatureMismatch
	}
	if m.err != nil {
		return m.err
	}

	f, err := os.Open(in.ImageFile)
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastInput = img
	m.lastCall = in
	m.mu.Unlock()

	if m.noResult {
		return nil
	}
	return os.WriteFile(filepath.Join(in.OutputPath, "result.mmd"), []byte(m.result), 0o644)
}

type fakeRuntime struct {
	rt    *modelrt.Runtime
	err   error
	calls atomic.Int32
}

func (f *fakeRuntime) Runtime(context.Context) (*modelrt.Runtime, error) {
	f.calls.Add(1)
	return f.rt, f.err
}

func (f *fakeRuntime) Engine() string { return "fake" }

func newService(t *testing.T, m *fakeModel, mutate func(*Args)) (*Service, *fakeRuntime, string) {
	t.Helper()
	tmp := t.TempDir()
	fr := &fakeRuntime{rt: &modelrt.Runtime{
		Model:     m,
		Tokenizer: fakeTokenizer{},
		Invoker:   modelrt.ExtendedInvoker{},
		Engine:    "fake",
	}}
	args := &Args{
		Runtime: fr,
		Prompt:  "<image>\n<|grounding|>Convert the document to markdown. ",
		Params:  modelrt.Params{BaseSize: 1024, ImageSize: 1024, CropMode: "none"},
		TempDir: tmp,
	}
	if mutate != nil {
		mutate(args)
	}
	return New(args), fr, tmp
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func assertScratchRemoved(t *testing.T, tmp string) {
	t.Helper()
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch directory left behind: %v", entries[0].Name())
	}
}

func TestExtractTextTrims(t *testing.T) {
	s, _, _ := newService(t, &fakeModel{}, nil)

	tests := map[string]string{
		"  hello world \n": "hello world",
		"\t\n":             "",
		"a":                "a",
	}
	for in, want := range tests {
		if got := s.ExtractText(in); got != want {
			t.Errorf("ExtractText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractTextFromImage(t *testing.T) {
	m := &fakeModel{result: "\n  # Invoice\n\nTotal: 42  \n"}
	s, _, tmp := newService(t, m, nil)

	text, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if err != nil {
		t.Fatalf("ExtractTextFromImage() error: %v", err)
	}
	if text != "# Invoice\n\nTotal: 42" {
		t.Fatalf("unexpected text %q", text)
	}

	if filepath.Base(m.lastCall.ImageFile) != "input.png" || filepath.Base(m.lastCall.OutputPath) != "output" {
		t.Fatalf("unexpected invocation paths %+v", m.lastCall)
	}
	if !strings.HasPrefix(filepath.Base(filepath.Dir(m.lastCall.ImageFile)), "ocr_scan_") {
		t.Fatalf("unexpected scratch dir %s", m.lastCall.ImageFile)
	}
	if p := m.lastCall.Params; p == nil || !p.SaveResults || !p.TestCompress || p.BaseSize != 1024 {
		t.Fatalf("unexpected params %+v", m.lastCall.Params)
	}
	assertScratchRemoved(t, tmp)
}

func TestTransparentPixelsFlattenOntoWhite(t *testing.T) {
	m := &fakeModel{result: "x"}
	s, _, _ := newService(t, m, nil)

	if _, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.NRGBA{})); err != nil {
		t.Fatalf("ExtractTextFromImage() error: %v", err)
	}

	r, g, b, a := m.lastInput.At(0, 0).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff || a != 0xffff {
		t.Fatalf("expected opaque white, got %v %v %v %v", r, g, b, a)
	}
}

func TestInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		msg  string
	}{
		{name: "empty", data: nil, msg: "Empty image payload"},
		{name: "not an image", data: []byte("this is a text file"), msg: "Invalid image file"},
		{name: "truncated png", data: pngBytes(t, color.Black)[:20], msg: "Invalid image file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{}
			s, fr, _ := newService(t, m, nil)

			_, err := s.ExtractTextFromImage(context.Background(), tt.data)
			if !errors.Is(err, ocrerr.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if ocrerr.Message(err) != tt.msg {
				t.Fatalf("message = %q, want %q", ocrerr.Message(err), tt.msg)
			}
			if fr.calls.Load() != 0 || m.calls.Load() != 0 {
				t.Fatal("runtime must not be touched for invalid input")
			}
		})
	}
}

func TestMissingResult(t *testing.T) {
	s, _, tmp := newService(t, &fakeModel{noResult: true}, nil)

	_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if !errors.Is(err, ocrerr.ErrBackend) || ocrerr.Message(err) != "DeepSeek did not produce result.mmd" {
		t.Fatalf("unexpected error %v", err)
	}
	assertScratchRemoved(t, tmp)
}

func TestInferenceFailure(t *testing.T) {
	s, _, tmp := newService(t, &fakeModel{err: errors.New("CUDA out of memory")}, nil)

	_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if !errors.Is(err, ocrerr.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if ocrerr.Message(err) != "DeepSeek inference failed: CUDA out of memory" {
		t.Fatalf("unexpected message %q", ocrerr.Message(err))
	}
	assertScratchRemoved(t, tmp)
}

func TestRuntimeErrorPassesThrough(t *testing.T) {
	s, fr, _ := newService(t, &fakeModel{}, nil)
	fr.err = ocrerr.New(ocrerr.KindConfiguration, "DeepSeek local model path not found: /models. Please mount/copy your pre-downloaded model.")

	_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if ocrerr.KindOf(err) != ocrerr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSignatureFallback(t *testing.T) {
	m := &fakeModel{result: "minimal", rejectParams: true}
	s, _, tmp := newService(t, m, nil)

	text, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if err != nil {
		t.Fatalf("ExtractTextFromImage() error: %v", err)
	}
	if text != "minimal" || m.calls.Load() != 2 {
		t.Fatalf("got %q after %d calls", text, m.calls.Load())
	}
	if m.lastCall.Params != nil {
		t.Fatal("retry should use the minimal shape")
	}
	assertScratchRemoved(t, tmp)
}

func TestTimeout(t *testing.T) {
	s, _, tmp := newService(t, &fakeModel{block: true}, func(a *Args) {
		a.Timeout = 20 * time.Millisecond
	})

	_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if !errors.Is(err, ocrerr.ErrBackend) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected backend deadline error, got %v", err)
	}
	assertScratchRemoved(t, tmp)
}

func TestCacheHitSkipsInference(t *testing.T) {
	m := &fakeModel{result: "cached text"}
	s, _, _ := newService(t, m, func(a *Args) {
		a.Cache = cache.NewMemory(10, time.Minute)
	})

	img := pngBytes(t, color.Black)
	for range 3 {
		text, err := s.ExtractTextFromImage(context.Background(), img)
		if err != nil || text != "cached text" {
			t.Fatalf("ExtractTextFromImage() = %q, %v", text, err)
		}
	}
	if m.calls.Load() != 1 {
		t.Fatalf("expected a single inference, got %d", m.calls.Load())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// 1x1 lossless webp; x/image has no webp encoder
const webpPixel = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func TestNormalizeImageFormats(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.NRGBA{R: 200, G: 30, B: 30, A: 0xff})
		}
	}
	transparent := image.NewNRGBA(image.Rect(0, 0, 4, 3))

	encode := func(f func(*bytes.Buffer) error) []byte {
		buf := &bytes.Buffer{}
		if err := f(buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}
	webpData, err := base64.StdEncoding.DecodeString(webpPixel)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		data   []byte
		format string
		size   image.Point
		white  bool
	}{
		{name: "png", data: encode(func(b *bytes.Buffer) error { return png.Encode(b, src) }), format: "png", size: image.Pt(4, 3)},
		{name: "jpeg", data: encode(func(b *bytes.Buffer) error { return jpeg.Encode(b, src, nil) }), format: "jpeg", size: image.Pt(4, 3)},
		{name: "gif", data: encode(func(b *bytes.Buffer) error { return gif.Encode(b, src, nil) }), format: "gif", size: image.Pt(4, 3)},
		{name: "bmp", data: encode(func(b *bytes.Buffer) error { return bmp.Encode(b, src) }), format: "bmp", size: image.Pt(4, 3)},
		{name: "tiff", data: encode(func(b *bytes.Buffer) error { return tiff.Encode(b, src, nil) }), format: "tiff", size: image.Pt(4, 3)},
		{name: "transparent tiff", data: encode(func(b *bytes.Buffer) error { return tiff.Encode(b, transparent, nil) }), format: "tiff", size: image.Pt(4, 3), white: true},
		{name: "webp", data: webpData, format: "webp", size: image.Pt(1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, format, err := normalizeImage(tt.data)
			if err != nil {
				t.Fatalf("normalizeImage() error: %v", err)
			}
			if format != tt.format {
				t.Fatalf("format = %q, want %q", format, tt.format)
			}

			img, err := png.Decode(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("output is not a png: %v", err)
			}
			if got := img.Bounds().Size(); got != tt.size {
				t.Fatalf("size = %v, want %v", got, tt.size)
			}
			r, g, b, a := img.At(0, 0).RGBA()
			if a != 0xffff {
				t.Fatalf("expected an opaque pixel, alpha = %#x", a)
			}
			if tt.white && (r != 0xffff || g != 0xffff || b != 0xffff) {
				t.Fatalf("expected transparency flattened onto white, got %v %v %v", r, g, b)
			}
		})
	}
}

func TestModelOutputIsNFCNormalized(t *testing.T) {
	s, _, _ := newService(t, &fakeModel{result: "  Cafe\u0301 menu\n"}, nil)

	text, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
	if err != nil {
		t.Fatalf("ExtractTextFromImage() error: %v", err)
	}
	if text != "Caf\u00e9 menu" {
		t.Fatalf("text = %q", text)
	}
}

func TestConcurrentInferencesAreBounded(t *testing.T) {
	m := &fakeModel{result: "ok", gate: make(chan struct{})}
	s, _, tmp := newService(t, m, func(a *Args) {
		a.MaxConcurrent = 2
	})

	const scans = 5
	errs := make(chan error, scans)
	for i := range scans {
		img := pngBytes(t, color.Gray{Y: uint8(i * 40)})
		go func() {
			_, err := s.ExtractTextFromImage(context.Background(), img)
			errs <- err
		}()
	}

	waitFor(t, "two inferences to start", func() bool { return m.inFlight.Load() == 2 })
	time.Sleep(30 * time.Millisecond)
	if peak := m.maxInFlight.Load(); peak != 2 {
		t.Fatalf("expected at most 2 concurrent inferences, saw %d", peak)
	}

	close(m.gate)
	for range scans {
		if err := <-errs; err != nil {
			t.Fatalf("ExtractTextFromImage() error: %v", err)
		}
	}
	if m.calls.Load() != scans || m.maxInFlight.Load() != 2 {
		t.Fatalf("calls = %d, peak = %d", m.calls.Load(), m.maxInFlight.Load())
	}
	assertScratchRemoved(t, tmp)
}

func TestWaitingForInferenceSlotTimesOut(t *testing.T) {
	m := &fakeModel{result: "ok", gate: make(chan struct{})}
	s, _, _ := newService(t, m, func(a *Args) {
		a.MaxConcurrent = 1
		a.Timeout = 50 * time.Millisecond
	})

	first := make(chan error, 1)
	go func() {
		_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.Black))
		first <- err
	}()
	waitFor(t, "the first inference to start", func() bool { return m.inFlight.Load() == 1 })

	_, err := s.ExtractTextFromImage(context.Background(), pngBytes(t, color.White))
	if !errors.Is(err, ocrerr.ErrBackend) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected backend deadline error, got %v", err)
	}
	if !strings.HasPrefix(ocrerr.Message(err), "DeepSeek inference capacity exhausted") {
		t.Fatalf("unexpected message %q", ocrerr.Message(err))
	}
	if m.calls.Load() != 1 {
		t.Fatalf("the waiting scan must not reach the model, calls = %d", m.calls.Load())
	}

	close(m.gate)
	if err := <-first; err != nil {
		t.Fatalf("first scan error: %v", err)
	}
}

func TestSharedInferenceSurvivesCallerCancellation(t *testing.T) {
	m := &fakeModel{result: "shared", gate: make(chan struct{})}
	s, fr, tmp := newService(t, m, nil)
	img := pngBytes(t, color.Black)

	type result struct {
		text string
		err  error
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan result, 1)
	go func() {
		text, err := s.ExtractTextFromImage(ctx, img)
		first <- result{text, err}
	}()
	waitFor(t, "the first inference to start", func() bool { return m.calls.Load() == 1 })

	second := make(chan result, 1)
	go func() {
		text, err := s.ExtractTextFromImage(context.Background(), img)
		second <- result{text, err}
	}()
	waitFor(t, "the second scan to reach the runtime", func() bool { return fr.calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case r := <-first:
		if !errors.Is(r.err, ocrerr.ErrBackend) || !errors.Is(r.err, context.Canceled) {
			t.Fatalf("expected the cancelled scan to fail with context canceled, got %v", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled scan did not return while another caller was waiting")
	}

	close(m.gate)
	r := <-second
	if r.err != nil || r.text != "shared" {
		t.Fatalf("second scan = %q, %v", r.text, r.err)
	}
	if m.calls.Load() != 1 {
		t.Fatalf("identical scans should share one inference, got %d", m.calls.Load())
	}
	assertScratchRemoved(t, tmp)
}

func TestAbandonedScanCleansUp(t *testing.T) {
	m := &fakeModel{block: true}
	s, _, tmp := newService(t, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.ExtractTextFromImage(ctx, pngBytes(t, color.Black))
		done <- err
	}()
	waitFor(t, "the inference to start", func() bool { return m.calls.Load() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	assertScratchRemoved(t, tmp)
}
