package engine

import (
	"context"
	"errors"
	"sync"

	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/metrics"
)

// ForwardingService owns the realtime path: it pumps ingest frames through
// the assembler and the in-memory window, drains the realtime channel into
// the low-latency sink, and watches the sink's acks.
//
// Realtime acks are advisory. Durability belongs to the catchup path; a
// fragment confirmed realtime still waits for its offline ack before disk
// space is released.
type ForwardingService struct {
	source     core.FrameSource
	sink       core.VideoSink
	acks       core.AckSource
	manager    *FragmentManager
	assembler  *Assembler
	realtimeRx <-chan *media.Frame
	caps       *core.CapsSlot
	bus        eventbus.EventBus
}

func NewForwardingService(
	source core.FrameSource,
	sink core.VideoSink,
	acks core.AckSource,
	manager *FragmentManager,
	assembler *Assembler,
	realtimeRx <-chan *media.Frame,
	caps *core.CapsSlot,
	bus eventbus.EventBus,
) *ForwardingService {
	return &ForwardingService{
		source:     source,
		sink:       sink,
		acks:       acks,
		manager:    manager,
		assembler:  assembler,
		realtimeRx: realtimeRx,
		caps:       caps,
		bus:        bus,
	}
}

func (f *ForwardingService) PostConstruct() error {
	return nil
}

// Boot runs the pump, drain and ack loops until ctx cancels, then returns.
func (f *ForwardingService) Boot(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); f.pumpLoop(ctx) }()
	go func() { defer wg.Done(); f.drainLoop(ctx) }()
	go func() { defer wg.Done(); f.ackLoop(ctx) }()
	wg.Wait()
	log.GetLogger().Info("forwarding service stopped")
}

func (f *ForwardingService) Shutdown() {}

// pumpLoop moves frames from the ingest adapter into the window and the
// assembler. Frame order is the stream's presentation order.
func (f *ForwardingService) pumpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-f.source.Frames():
			if !ok {
				log.GetLogger().Warn("frame source closed, pump stopping")
				return
			}
			metrics.FramesIngestedTotal.Inc()
			f.manager.AddFrame(frame)
			f.assembler.AddFrame(frame)
		}
	}
}

// drainLoop feeds the realtime sink from the bounded channel. The sink's
// format contract must be published before the first push.
func (f *ForwardingService) drainLoop(ctx context.Context) {
	capsSent := false
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-f.realtimeRx:
			if !ok {
				return
			}
			if !capsSent {
				caps, set := f.caps.Get()
				if !set {
					// No format contract yet; the frame is already on the
					// catchup path.
					metrics.FramesDroppedTotal.WithLabelValues("caps_unset").Inc()
					continue
				}
				if err := f.sink.SetCaps(caps); err != nil {
					log.GetLogger().WithError(err).Panic("realtime sink rejected caps")
				}
				capsSent = true
			}
			f.pushRealtime(frame)
		}
	}
}

func (f *ForwardingService) pushRealtime(frame *media.Frame) {
	err := f.sink.Push(frame)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrSinkFull):
		// Routine under poor connectivity; the catchup path redelivers.
		metrics.FramesDroppedTotal.WithLabelValues("realtime_sink_full").Inc()
		log.GetLogger().Debug("realtime sink full, dropping frame")
	case errors.Is(err, core.ErrSinkClosed):
		log.GetLogger().Panic("realtime sink closed, stopping engine")
	default:
		log.GetLogger().WithError(err).Error("realtime sink push failed")
	}
}

// ackLoop records the realtime sink's fragment acks.
func (f *ForwardingService) ackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack, ok := <-f.acks.Acks():
			if !ok {
				log.GetLogger().Error("realtime ack channel closed unexpectedly")
				return
			}
			switch ack.Kind {
			case core.AckPersisted:
				metrics.AcksTotal.WithLabelValues("realtime", metrics.AckOutcomePersisted).Inc()
				log.GetLogger().WithField("timecode_ms", ack.TimecodeMs).
					Debug("realtime fragment persisted in cloud")
			case core.AckDisconnected:
				metrics.AcksTotal.WithLabelValues("realtime", metrics.AckOutcomeDisconnected).Inc()
				log.GetLogger().WithField("reason", ack.Reason).
					Warn("realtime sink reported disconnect")
				f.publishDisconnect("realtime", ack.Reason)
			}
		}
	}
}

func (f *ForwardingService) publishDisconnect(path, reason string) {
	if f.bus == nil {
		return
	}
	_ = f.bus.Publish(&eventbus.Event{
		Topic: eventbus.TopicSinkDisconnected,
		Key:   path,
		Payload: map[string]string{
			"path":   path,
			"reason": reason,
		},
	})
}
