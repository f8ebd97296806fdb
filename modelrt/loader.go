package modelrt

import (
	"context"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Placement is where a model is loaded and in which precision.
type Placement struct {
	Device   string
	BFloat16 bool
}

// Loader loads a model and tokenizer from a local directory. Loaders never fetch from the
// network.
type Loader interface {
	Name() string
	// CheckDependencies reports inference libraries or binaries that are not installed.
	CheckDependencies() error
	GPUAvailable(ctx context.Context) bool
	LoadTokenizer(ctx context.Context, dir string) (Tokenizer, error)
	LoadModel(ctx context.Context, dir string, placement Placement) (Model, error)
}
