// Package sink holds the registry of VideoSink implementations. Production
// builds link the native cloud sink; this tree registers the stub used for
// disconnected operation and tests.
package sink

import (
	"fmt"
	"sort"
	"sync"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
)

// Factory builds a sink and its ack source from raw plugin options.
type Factory func(cfg config.PluginConfig) (core.VideoSink, core.AckSource, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink type available by name. Called from init.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("sink %q registered twice", name))
	}
	factories[name] = factory
}

// New builds the sink named by cfg.Type.
func New(cfg config.PluginConfig) (core.VideoSink, core.AckSource, error) {
	mu.RLock()
	factory, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown sink type %q (have %v)", cfg.Type, names())
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
