package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/eventbus"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/storage"
)

// sinkPushAttempts bounds retries of one frame into a full offline sink
// before the fragment is abandoned for this round. The store still holds
// it; the next round re-queries from the oldest.
const sinkPushAttempts = 5

// CatchupService drains the persistent store into the offline sink and
// deletes fragments once the cloud confirms persistence. It is the
// durability path: anything the realtime mirror lost to backpressure or an
// outage is redelivered from disk here.
type CatchupService struct {
	store  *storage.Store
	sink   core.VideoSink
	acks   core.AckSource
	ackMap *AckCorrelationMap
	caps   *core.CapsSlot
	bus    eventbus.EventBus
	cfg    config.CatchupConfig

	capsSent bool
	// lastOldest remembers the previous round's oldest timestamp so slow
	// acks do not cause the same fragments to be pushed twice in a row.
	lastOldest uint64
}

func NewCatchupService(
	store *storage.Store,
	sink core.VideoSink,
	acks core.AckSource,
	ackMap *AckCorrelationMap,
	caps *core.CapsSlot,
	bus eventbus.EventBus,
	cfg config.CatchupConfig,
) *CatchupService {
	return &CatchupService{
		store:  store,
		sink:   sink,
		acks:   acks,
		ackMap: ackMap,
		caps:   caps,
		bus:    bus,
		cfg:    cfg,
	}
}

func (c *CatchupService) PostConstruct() error {
	if c.cfg.NoUpload {
		log.GetLogger().Warn("catchup no-upload mode: fragments stay on disk")
	}
	return nil
}

// Boot runs the replay and ack loops until ctx cancels.
func (c *CatchupService) Boot(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ackLoop(ctx)
	}()
	c.replayLoop(ctx)
	<-done
	log.GetLogger().Info("catchup service stopped")
}

func (c *CatchupService) Shutdown() {}

// replayLoop pushes stored fragments oldest-first, bounded by the ack
// window. Every branch that cannot make progress sleeps one poll interval
// so the loop stays cancellable and does not spin on the index.
func (c *CatchupService) replayLoop(ctx context.Context) {
	for {
		if sleep := c.replayOnce(ctx); sleep {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.PollInterval):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// replayOnce runs one round. Returns true when the loop should idle before
// the next round.
func (c *CatchupService) replayOnce(ctx context.Context) bool {
	logger := log.GetLogger()

	// Fragments cannot be pushed until the sink's format contract is known.
	caps, set := c.caps.Get()
	if !set {
		logger.Debug("waiting for caps before catchup")
		return true
	}
	if !c.capsSent {
		if err := c.sink.SetCaps(caps); err != nil {
			logger.WithError(err).Panic("offline sink rejected caps")
		}
		c.capsSent = true
	}

	slots := c.ackMap.FreeSlots()
	if slots == 0 {
		logger.Debug("ack window full, catchup idling")
		return true
	}

	fragments, err := c.store.Query(0, storage.MaxTimeForDB, uint64(slots))
	if err != nil {
		logger.WithError(err).Error("catchup query failed")
		return true
	}
	if len(fragments) == 0 {
		logger.Debug("no stored fragments, catchup idling")
		return true
	}

	// Same oldest fragment as last round means the acks have not landed
	// yet; pushing again would only duplicate upload.
	if fragments[0].StartTimestampNs == c.lastOldest {
		return true
	}
	c.lastOldest = fragments[0].StartTimestampNs

	if c.cfg.NoUpload {
		logger.Debugf("no-upload mode, %d fragments held on disk", len(fragments))
		return true
	}

	for _, fr := range fragments {
		if ctx.Err() != nil {
			return false
		}
		if err := fr.Validate(); err != nil {
			logger.WithError(err).
				WithField("ts_ns", fr.StartTimestampNs).
				Error("invalid fragment from store, skipping")
			continue
		}
		c.pushFragment(ctx, fr)
	}
	return false
}

// pushFragment streams one fragment into the offline sink, frame by frame
// with pacing, and tracks it for ack correlation as the first frame goes
// out.
func (c *CatchupService) pushFragment(ctx context.Context, fr *media.Fragment) {
	logger := log.GetLogger().WithField("ts_ns", fr.StartTimestampNs)
	logger.Debugf("replaying fragment with %d frames", fr.FrameCount())

	for i, frame := range fr.Frames {
		if ctx.Err() != nil {
			return
		}
		err := retry.Do(
			func() error { return c.sink.Push(frame) },
			retry.RetryIf(func(err error) bool { return errors.Is(err, core.ErrSinkFull) }),
			retry.Attempts(sinkPushAttempts),
			retry.Delay(c.cfg.InterFrameDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrSinkClosed):
			logger.Panic("offline sink closed, stopping engine")
		case errors.Is(err, core.ErrSinkFull):
			// Still full after the retry budget; the rest of this fragment
			// waits for the next round.
			logger.Warn("offline sink full, abandoning fragment for this round")
			c.lastOldest = 0
			return
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		default:
			logger.WithError(err).Error("offline sink push failed")
			return
		}

		if i == 0 {
			c.ackMap.Track(fr.StartTimestampNs, fr.DurationNs)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.InterFrameDelay):
		}
	}
}

// ackLoop releases disk space as offline acks arrive.
func (c *CatchupService) ackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack, ok := <-c.acks.Acks():
			if !ok {
				log.GetLogger().Error("offline ack channel closed unexpectedly")
				return
			}
			c.handleAck(ack)
		}
	}
}

func (c *CatchupService) handleAck(ack core.Ack) {
	logger := log.GetLogger()
	switch ack.Kind {
	case core.AckDisconnected:
		logger.WithField("reason", ack.Reason).Warn("offline sink reported disconnect")
		if c.bus != nil {
			_ = c.bus.Publish(&eventbus.Event{
				Topic:   eventbus.TopicSinkDisconnected,
				Key:     "offline",
				Payload: map[string]string{"path": "offline", "reason": ack.Reason},
			})
		}
		return
	case core.AckPersisted:
	default:
		return
	}

	meta, ok := c.ackMap.PullByMs(ack.TimecodeMs)
	if !ok {
		return
	}
	logger.WithField("ts_ns", meta.TimestampNs).Info("fragment persisted in cloud, releasing disk")
	if err := c.store.Delete(meta.TimestampNs); err != nil {
		logger.WithError(err).
			WithField("ts_ns", meta.TimestampNs).
			Error("failed to delete acknowledged fragment")
		return
	}
	if c.bus != nil {
		_ = c.bus.Publish(&eventbus.Event{
			Topic: eventbus.TopicFragmentAcked,
			Key:   strconv.FormatUint(meta.TimestampNs, 10),
			Payload: map[string]uint64{
				"ts_ns":       meta.TimestampNs,
				"duration_ns": meta.DurationNs,
				"timecode_ms": ack.TimecodeMs,
			},
		})
	}
}
