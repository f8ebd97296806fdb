package modelrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

var (
	ErrNoTokenizer = errors.New("no tokenizer.json or tokenizer_config.json in model directory")
	ErrNoWeights   = errors.New("no .safetensors weights in model directory")
)

// Manifest describes a Hugging Face style model directory. Only local files are read.
type Manifest struct {
	Dir           string   `json:"-"`
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	TorchDtype    string   `json:"torch_dtype"`
	Weights       []string `json:"-"`
}

// ReadManifest reads config.json and lists the weight shards of dir.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	m.Dir = dir

	weights, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, fmt.Errorf("failed to list model weights: %w", err)
	}
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}
	slices.Sort(weights)
	m.Weights = weights

	return &m, nil
}

// LocalTokenizer is a tokenizer found on disk next to the model weights.
type LocalTokenizer struct {
	Dir   string
	File  string
	Class string
}

func (t *LocalTokenizer) Source() string {
	return t.File
}

// FindTokenizer locates the tokenizer files of dir, preferring the fast tokenizer.json.
func FindTokenizer(dir string) (*LocalTokenizer, error) {
	tok := &LocalTokenizer{Dir: dir}

	for _, name := range []string{"tokenizer.json", "tokenizer_config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			tok.File = p
			break
		}
	}
	if tok.File == "" {
		return nil, ErrNoTokenizer
	}

	// tokenizer_config.json is optional alongside tokenizer.json; read the class when present.
	if b, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var cfg struct {
			TokenizerClass string `json:"tokenizer_class"`
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse tokenizer config: %w", err)
		}
		tok.Class = cfg.TokenizerClass
	}

	return tok, nil
}
