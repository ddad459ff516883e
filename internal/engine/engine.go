package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/storage"
)

// Module is one long-lived engine worker.
type Module interface {
	PostConstruct() error
	Boot(ctx context.Context)
	Shutdown()
}

// Options carries the engine's collaborators. Sinks and sources are
// injected at the edges; the engine holds no hidden process-wide state.
type Options struct {
	Config       *config.Config
	Source       core.FrameSource
	RealtimeSink core.VideoSink
	RealtimeAcks core.AckSource
	OfflineSink  core.VideoSink
	OfflineAcks  core.AckSource
	Bus          eventbus.EventBus
}

// Engine owns the whole storage-and-forward path: assembler, in-memory
// window, persistent store, both uplink drivers and the ack correlation
// between them.
type Engine struct {
	cfg        *config.Config
	caps       *core.CapsSlot
	store      *storage.Store
	manager    *FragmentManager
	bus        eventbus.EventBus
	realtimeCh chan *media.Frame
	modules    []Module
}

// New wires the engine. The store is opened (and recovered if needed)
// before any worker starts, so replay can begin immediately on Run.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: engine requires configuration", core.ErrConfigInvalid)
	}
	if opts.Source == nil || opts.RealtimeSink == nil || opts.OfflineSink == nil ||
		opts.RealtimeAcks == nil || opts.OfflineAcks == nil {
		return nil, fmt.Errorf("%w: engine requires a source and both sinks", core.ErrConfigInvalid)
	}

	store, err := storage.Open(opts.Config.Storage.Dir, storage.Options{
		MaxBytes:         opts.Config.Storage.MaxDiskBytes(),
		QueryDeleteBatch: opts.Config.Storage.QueryDeleteBatch,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        opts.Config,
		caps:       core.NewCapsSlot(),
		store:      store,
		bus:        opts.Bus,
		realtimeCh: make(chan *media.Frame, opts.Config.Engine.FrameBuffer),
	}

	e.manager = NewFragmentManager(e.realtimeCh, opts.Config.Engine.FragmentMax, e.onMemoryEvict)
	assembler := NewAssembler(e.persistFragment)
	ackMap := NewAckCorrelationMap(opts.Config.Catchup.MaxInFlight)

	forwarding := NewForwardingService(
		opts.Source, opts.RealtimeSink, opts.RealtimeAcks,
		e.manager, assembler, e.realtimeCh, e.caps, opts.Bus,
	)
	catchup := NewCatchupService(
		store, opts.OfflineSink, opts.OfflineAcks,
		ackMap, e.caps, opts.Bus, opts.Config.Catchup,
	)
	e.modules = []Module{forwarding, catchup}
	return e, nil
}

// PublishCaps is called by the ingest adapter once the stream's muxer
// description is known. Uplinks hold frames until this happens.
func (e *Engine) PublishCaps(caps core.Caps) error {
	return e.caps.Publish(caps)
}

// Store exposes the persistent store, for inspection tooling and tests.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// Manager exposes the in-memory window, for inspection tooling and tests.
func (e *Engine) Manager() *FragmentManager {
	return e.manager
}

// Run boots every module and blocks until ctx cancels, then waits for the
// workers to drain, bounded by the configured shutdown timeout. Fragments
// in flight are not flushed; they are on disk and redeliver after restart.
func (e *Engine) Run(ctx context.Context) error {
	for _, mod := range e.modules {
		if err := mod.PostConstruct(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	for _, mod := range e.modules {
		mod := mod
		wg.Go(func() { mod.Boot(runCtx) })
	}
	log.GetLogger().Info("engine started")

	<-ctx.Done()
	cancel()

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(e.cfg.Engine.ShutdownTimeout):
		log.GetLogger().Warn("engine workers did not stop within the shutdown timeout")
	}

	for _, mod := range e.modules {
		mod.Shutdown()
	}
	return e.store.Close()
}

// persistFragment is the assembler's emit target: every completed GOP is
// announced and goes to disk eagerly so an outage can never lose more than
// the open fragment.
func (e *Engine) persistFragment(fr *media.Fragment) {
	e.publish(eventbus.TopicFragmentAssembled, fr)
	if err := e.store.Save(fr); err != nil {
		// The in-memory copy may still reach the cloud realtime; only the
		// durable replay copy is lost.
		log.GetLogger().WithError(err).
			WithField("ts_ns", fr.StartTimestampNs).
			Error("failed to persist fragment")
		return
	}
	e.publish(eventbus.TopicFragmentPersisted, fr)
}

func (e *Engine) onMemoryEvict(fr *media.Fragment) {
	e.publish(eventbus.TopicFragmentEvicted, fr)
}

func (e *Engine) publish(topic string, fr *media.Fragment) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(&eventbus.Event{
		Topic: topic,
		Key:   strconv.FormatUint(fr.StartTimestampNs, 10),
		Payload: map[string]uint64{
			"ts_ns":       fr.StartTimestampNs,
			"duration_ns": fr.DurationNs,
			"frames":      uint64(fr.FrameCount()),
		},
	})
}
