// Package kernels is the registry of builtin kernels a host can create
// from configuration.
package kernels

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/kernels/shell"
	"github.com/danmuck/kernelroute/internal/kernels/value"
)

var ErrUnknownBuiltin = errors.New("kernels: unknown builtin kernel")

// Factory builds a builtin kernel named name.
type Factory func(name string, opts ...kernel.Option) kernel.Node

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

func init() {
	Register(value.DefaultName, func(name string, opts ...kernel.Option) kernel.Node {
		return value.New(name, opts...)
	})
	Register(shell.DefaultName, func(name string, opts ...kernel.Option) kernel.Node {
		return shell.New(name, nil, opts...)
	})
}

// Register adds or replaces the factory for name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

func Get(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists registered builtins in sorted order.
func Names() []string {
	mu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	mu.RUnlock()
	sort.Strings(names)
	return names
}

// New builds the builtin registered as name.
func New(name string, opts ...kernel.Option) (kernel.Node, error) {
	f, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuiltin, name)
	}
	return f(name, opts...), nil
}
