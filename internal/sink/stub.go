package sink

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/media"
)

func init() {
	Register("stub", newStub)
}

type stubOptions struct {
	// Buffer is the push queue depth; a full queue reports ErrSinkFull.
	Buffer int `mapstructure:"buffer"`
	// AutoAck acknowledges every key frame as persisted, so a dev loop
	// exercises the full store-ack-delete cycle without a cloud.
	AutoAck bool `mapstructure:"auto_ack"`
}

// Stub is an in-process VideoSink with the same contract as the native
// cloud sink: bounded non-blocking pushes, a caps precondition and an ack
// channel. Tests script its acks; dev runs use auto-ack.
type Stub struct {
	mu      sync.Mutex
	caps    core.Caps
	capsSet bool
	closed  bool
	autoAck bool

	frames chan *media.Frame
	acks   chan core.Ack
}

func newStub(cfg config.PluginConfig) (core.VideoSink, core.AckSource, error) {
	opts := stubOptions{Buffer: 64}
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, nil, fmt.Errorf("stub sink options: %w", err)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	s := NewStub(opts.Buffer)
	s.autoAck = opts.AutoAck
	return s, s, nil
}

// NewStub builds a stub with the given queue depth.
func NewStub(buffer int) *Stub {
	return &Stub{
		frames: make(chan *media.Frame, buffer),
		acks:   make(chan core.Ack, buffer),
	}
}

// SetCaps records the format contract. The first call wins; repeats with
// the same caps are tolerated.
func (s *Stub) SetCaps(caps core.Caps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capsSet && s.caps != caps {
		return core.ErrCapsAlreadySet
	}
	s.caps = caps
	s.capsSet = true
	return nil
}

// Push enqueues one frame without blocking.
func (s *Stub) Push(frame *media.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSinkClosed
	}
	if !s.capsSet {
		s.mu.Unlock()
		return fmt.Errorf("kestrel: push before caps")
	}
	autoAck := s.autoAck
	s.mu.Unlock()

	select {
	case s.frames <- frame:
	default:
		return core.ErrSinkFull
	}
	if autoAck && frame.IsKeyFrame {
		s.InjectPersisted(frame.MsKey())
	}
	return nil
}

// Acks implements core.AckSource.
func (s *Stub) Acks() <-chan core.Ack {
	return s.acks
}

// InjectPersisted scripts a persistence ack at the given millisecond
// timecode.
func (s *Stub) InjectPersisted(timecodeMs uint64) {
	select {
	case s.acks <- core.Ack{Kind: core.AckPersisted, TimecodeMs: timecodeMs}:
	default:
	}
}

// InjectDisconnected scripts a disconnect notification.
func (s *Stub) InjectDisconnected(reason string) {
	select {
	case s.acks <- core.Ack{Kind: core.AckDisconnected, Reason: reason}:
	default:
	}
}

// Drain empties and returns the queued frames.
func (s *Stub) Drain() []*media.Frame {
	var out []*media.Frame
	for {
		select {
		case f := <-s.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

// QueueLen reports the frames waiting in the push queue.
func (s *Stub) QueueLen() int {
	return len(s.frames)
}

// Close makes further pushes fail with ErrSinkClosed.
func (s *Stub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
