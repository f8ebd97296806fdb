package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
)

type fakeVLLM struct {
	rejectKwargs bool
	lastBody     map[string]any
}

func (f *fakeVLLM) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"DeepSeek-OCR","object":"model","created":0,"owned_by":"vllm"}]}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.lastBody = map[string]any{}
		json.NewDecoder(r.Body).Decode(&f.lastBody)

		w.Header().Set("Content-Type", "application/json")
		if _, ok := f.lastBody["mm_processor_kwargs"]; ok && f.rejectKwargs {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"unexpected keyword argument 'base_size'","type":"BadRequestError","code":400}}`))
			return
		}
		w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":0,"model":"DeepSeek-OCR","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"# Invoice\n\nTotal: 42"}}]}`))
	})
	return mux
}

func setup(t *testing.T, f *fakeVLLM, model string) (modelrt.Model, modelrt.Invocation) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	root := t.TempDir()
	modelDir := filepath.Join(root, "DeepSeek-OCR")
	out := filepath.Join(root, "output")
	img := filepath.Join(root, "input.png")
	for _, d := range []string{modelDir, out} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(img, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(&Args{BaseURL: srv.URL + "/v1", Model: model})
	m, err := l.LoadModel(context.Background(), modelDir, modelrt.Placement{Device: "cuda"})
	if err != nil {
		t.Fatalf("LoadModel() error: %v", err)
	}
	return m, modelrt.Invocation{Prompt: "<image>\nFree OCR. ", ImageFile: img, OutputPath: out}
}

func TestCheckDependenciesRequiresBaseURL(t *testing.T) {
	if err := New(&Args{}).CheckDependencies(); ocrerr.KindOf(err) != ocrerr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadModelRejectsUnservedModel(t *testing.T) {
	srv := httptest.NewServer((&fakeVLLM{}).handler())
	defer srv.Close()

	l := New(&Args{BaseURL: srv.URL + "/v1", Model: "other-model"})
	_, err := l.LoadModel(context.Background(), t.TempDir(), modelrt.Placement{Device: "cpu"})
	if err == nil || !strings.Contains(err.Error(), "not served") {
		t.Fatalf("expected not served error, got %v", err)
	}
}

func TestInferExtended(t *testing.T) {
	f := &fakeVLLM{}
	m, in := setup(t, f, "")

	in.Params = &modelrt.Params{BaseSize: 1024, ImageSize: 640, CropMode: "none"}
	if err := m.Infer(context.Background(), nil, in); err != nil {
		t.Fatalf("Infer() error: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(in.OutputPath, "result.mmd"))
	if err != nil {
		t.Fatalf("result.mmd not written: %v", err)
	}
	if string(b) != "# Invoice\n\nTotal: 42" {
		t.Fatalf("unexpected result %q", b)
	}

	kwargs, ok := f.lastBody["mm_processor_kwargs"].(map[string]any)
	if !ok || kwargs["image_size"].(float64) != 640 {
		t.Fatalf("unexpected request body %v", f.lastBody)
	}
	if f.lastBody["model"] != "DeepSeek-OCR" {
		t.Fatalf("model = %v", f.lastBody["model"])
	}
}

func TestInferSignatureMismatch(t *testing.T) {
	f := &fakeVLLM{rejectKwargs: true}
	m, in := setup(t, f, "DeepSeek-OCR")

	in.Params = &modelrt.Params{BaseSize: 1024}
	if err := m.Infer(context.Background(), nil, in); !errors.Is(err, modelrt.ErrSignatureMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}

	in.Params = nil
	if err := m.Infer(context.Background(), nil, in); err != nil {
		t.Fatalf("minimal Infer() error: %v", err)
	}
	if _, ok := f.lastBody["mm_processor_kwargs"]; ok {
		t.Fatal("minimal request carried mm_processor_kwargs")
	}
}
