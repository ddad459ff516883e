// Package source holds the registry of frame-source implementations. The
// RTSP ingest pipeline lives in the media plugin build; this tree registers
// the synthetic source used for soak tests and disconnected development.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
)

// Source is a runnable frame source. Start publishes the stream caps as
// soon as they are known and then delivers frames until ctx cancels.
type Source interface {
	core.FrameSource
	Start(ctx context.Context, publishCaps func(core.Caps) error) error
}

// Factory builds a source from raw plugin options.
type Factory func(cfg config.PluginConfig) (Source, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a source type available by name. Called from init.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("source %q registered twice", name))
	}
	factories[name] = factory
}

// New builds the source named by cfg.Type.
func New(cfg config.PluginConfig) (Source, error) {
	mu.RLock()
	factory, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source type %q (have %v)", cfg.Type, names())
	}
	return factory(cfg)
}

func names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
