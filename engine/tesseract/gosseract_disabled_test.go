//go:build !tesseract

package tesseract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bluesky-social/glyph/modelrt"
	"github.com/bluesky-social/glyph/pkg/ocrerr"
)

func TestDisabledBuildReportsMissingDependency(t *testing.T) {
	l := New(&Args{})
	if err := l.CheckDependencies(); !errors.Is(err, ocrerr.ErrDependencyMissing) {
		t.Fatalf("expected dependency missing, got %v", err)
	}

	m, _ := l.LoadModel(context.Background(), t.TempDir(), modelrt.Placement{Device: "cpu"})
	err := m.Infer(context.Background(), &Languages{Codes: []string{"eng"}}, modelrt.Invocation{
		ImageFile:  filepath.Join(t.TempDir(), "input.png"),
		OutputPath: t.TempDir(),
	})
	if !errors.Is(err, ocrerr.ErrDependencyMissing) {
		t.Fatalf("expected dependency missing from Infer, got %v", err)
	}
}
