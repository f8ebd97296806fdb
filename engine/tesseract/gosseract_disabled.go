//go:build !tesseract

package tesseract

import (
	"github.com/bluesky-social/glyph/pkg/ocrerr"
)

const compiled = false

func recognize(string, []string, string) (string, error) {
	return "", ocrerr.New(ocrerr.KindDependencyMissing, "tesseract engine requires a build with -tags tesseract")
}
