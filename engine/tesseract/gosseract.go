//go:build tesseract

package tesseract

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

const compiled = true

func recognize(tessdata string, langs []string, imageFile string) (string, error) {
	c := gosseract.NewClient()
	defer c.Close()

	c.Trim = true
	if err := c.SetTessdataPrefix(tessdata); err != nil {
		return "", fmt.Errorf("set tessdata: %w", err)
	}
	if err := c.SetLanguage(langs...); err != nil {
		return "", fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return "", fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := c.SetImage(imageFile); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}
