package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/metrics"
)

// FragmentManager keeps the last fragmentMax whole fragments in RAM, keyed
// by millisecond timestamp, and mirrors incoming frames into the bounded
// realtime channel.
//
// The forwardFrames latch gates the mirror. It is re-armed by every
// eviction check, so in steady state it stays set; a full realtime channel
// only skips individual frames. The latch survives here as the hook for
// motion-gated forwarding.
//
// Thread safe: the ingest pump adds frames while the realtime drain and
// tests observe the window.
type FragmentManager struct {
	mu          sync.Mutex
	fragments   map[uint64]*media.Fragment
	keys        []uint64 // sorted ascending, mirrors the map
	fragmentMax int

	realtimeCh    chan<- *media.Frame
	forwardFrames atomic.Bool

	// onEvict observes fragments dropped past the window. May be nil.
	onEvict func(*media.Fragment)
}

func NewFragmentManager(realtimeCh chan<- *media.Frame, fragmentMax int, onEvict func(*media.Fragment)) *FragmentManager {
	m := &FragmentManager{
		fragments:   make(map[uint64]*media.Fragment),
		fragmentMax: fragmentMax,
		realtimeCh:  realtimeCh,
		onEvict:     onEvict,
	}
	m.forwardFrames.Store(true)
	return m
}

// AddFrame routes one frame into the window: key frames open a new map
// entry, delta frames extend the newest one. Frames are then mirrored to
// the realtime channel while the latch is set.
func (m *FragmentManager) AddFrame(frame *media.Frame) {
	if frame.IsKeyFrame {
		m.insertFragment(frame)
		m.deleteExcessFragments()
	} else {
		m.appendToLatest(frame)
	}

	if m.forwardFrames.Load() {
		m.trySendRealtime(frame)
	}
}

// Len reports the number of fragments currently held.
func (m *FragmentManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Keys returns the fragment ms-keys in ascending order.
func (m *FragmentManager) Keys() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.keys))
	copy(out, m.keys)
	return out
}

// Fragment returns the fragment at msKey, if present.
func (m *FragmentManager) Fragment(msKey uint64) (*media.Fragment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.fragments[msKey]
	return fr, ok
}

// Forwarding reports the state of the realtime mirror latch.
func (m *FragmentManager) Forwarding() bool {
	return m.forwardFrames.Load()
}

func (m *FragmentManager) insertFragment(keyFrame *media.Frame) {
	fr, err := media.NewFragment(keyFrame)
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to open fragment in window")
		return
	}
	msKey := keyFrame.MsKey()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fragments[msKey]; exists {
		// Two key frames inside one millisecond; the newer GOP wins.
		log.GetLogger().WithField("ms_key", msKey).
			Warn("duplicate fragment key in window, replacing")
		m.fragments[msKey] = fr
		return
	}
	idx := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= msKey })
	m.keys = append(m.keys, 0)
	copy(m.keys[idx+1:], m.keys[idx:])
	m.keys[idx] = msKey
	m.fragments[msKey] = fr
	metrics.MemoryFragments.Set(float64(len(m.keys)))
}

// appendToLatest adds a delta frame to the newest fragment only. A late
// frame that belongs to an older fragment is dropped rather than allowed to
// rewrite history.
func (m *FragmentManager) appendToLatest(frame *media.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		log.GetLogger().WithField("ts_ns", frame.TimestampNs).
			Warn("non-keyframe with no fragment in window, dropping")
		metrics.FramesDroppedTotal.WithLabelValues("empty_window").Inc()
		return
	}
	latest := m.fragments[m.keys[len(m.keys)-1]]
	if err := latest.AppendFrame(frame); err != nil {
		log.GetLogger().WithError(err).
			WithField("ts_ns", frame.TimestampNs).
			Warn("frame rejected by newest fragment, dropping")
		metrics.FramesDroppedTotal.WithLabelValues("window_append").Inc()
	}
}

// deleteExcessFragments pops the oldest fragments while the window is over
// capacity, then re-arms the forwarding latch.
func (m *FragmentManager) deleteExcessFragments() {
	m.mu.Lock()
	for len(m.keys) > m.fragmentMax {
		msKey := m.keys[0]
		evicted := m.fragments[msKey]
		m.keys = m.keys[1:]
		delete(m.fragments, msKey)
		metrics.FragmentsEvictedTotal.WithLabelValues("memory").Inc()
		if m.onEvict != nil && evicted != nil {
			m.onEvict(evicted)
		}
	}
	metrics.MemoryFragments.Set(float64(len(m.keys)))
	m.mu.Unlock()

	m.forwardFrames.Store(true)
}

// trySendRealtime mirrors a frame into the realtime channel without
// blocking. A full channel is routine when connectivity is poor: the frame
// is already headed for disk and catchup will deliver it later.
func (m *FragmentManager) trySendRealtime(frame *media.Frame) {
	select {
	case m.realtimeCh <- frame:
	default:
		metrics.RealtimeChannelFullTotal.Inc()
		log.GetLogger().Debug("realtime channel full, frame rides the catchup path")
	}
}
