package modelrt

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Options is the engine agnostic configuration handed to a Factory. Engines read the fields
// they need and ignore the rest.
type Options struct {
	Command   string
	Endpoint  string
	Token     string
	Model     string
	Languages []string
	Logger    *slog.Logger
}

type Factory func(opts Options) (Loader, error)

var engines = xsync.NewMapOf[string, Factory]()

// Register makes an engine available by name. Engines call it from init.
func Register(name string, f Factory) {
	if _, loaded := engines.LoadOrStore(strings.ToLower(name), f); loaded {
		panic(fmt.Sprintf("modelrt: engine %q registered twice", name))
	}
}

// Open builds the loader registered under name.
func Open(name string, opts Options) (Loader, error) {
	f, ok := engines.Load(strings.ToLower(name))
	if !ok {
		return nil, fmt.Errorf("unknown inference engine %q (available: %s)", name, strings.Join(Engines(), ", "))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return f(opts)
}

// Engines lists registered engine names in sorted order.
func Engines() []string {
	names := make([]string, 0, engines.Size())
	engines.Range(func(name string, _ Factory) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}
