package engine

import (
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/metrics"
	"kestrelvision.io/kestrel/internal/storage"
)

// recentAckTTL is how long a pulled entry is remembered so a duplicate ack
// can be told apart from an ack for a fragment we never sent.
const recentAckTTL = 5 * time.Minute

// AckCorrelationMap tracks fragments in flight to the offline sink. The
// sink acknowledges persistence with millisecond timecodes after internal
// rounding, so entries are keyed by millisecond and pulled with a ±1 ms
// range lookup; at realistic GOP sizes two fragments never share a
// millisecond.
type AckCorrelationMap struct {
	mu      sync.Mutex
	keys    []uint64 // sorted ascending, mirrors entries
	entries map[uint64]storage.FragmentMeta
	max     int

	recentlyAcked *gocache.Cache
}

func NewAckCorrelationMap(max int) *AckCorrelationMap {
	return &AckCorrelationMap{
		entries:       make(map[uint64]storage.FragmentMeta),
		max:           max,
		recentlyAcked: gocache.New(recentAckTTL, recentAckTTL),
	}
}

// FreeSlots reports how many more fragments may be put in flight.
func (m *AckCorrelationMap) FreeSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.max - len(m.keys)
	if free < 0 {
		return 0
	}
	return free
}

// InFlight reports the number of tracked fragments.
func (m *AckCorrelationMap) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Track records a fragment as in flight. Re-tracking the same fragment is
// an overwrite, not a duplicate.
func (m *AckCorrelationMap) Track(tsNs, durationNs uint64) {
	msKey := tsNs / media.NsPerMs

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[msKey]; !exists {
		idx := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= msKey })
		m.keys = append(m.keys, 0)
		copy(m.keys[idx+1:], m.keys[idx:])
		m.keys[idx] = msKey
		if len(m.keys) > m.max {
			log.GetLogger().WithField("in_flight", len(m.keys)).
				Warn("ack correlation map over capacity")
		}
	}
	m.entries[msKey] = storage.FragmentMeta{TimestampNs: tsNs, DurationNs: durationNs}
	metrics.CatchupInFlight.Set(float64(len(m.keys)))
}

// PullByMs resolves a sink ack back to the fragment it belongs to and
// removes it. Returns false when nothing in the ±1 ms window matches: a
// duplicate ack for a fragment already released, or an ack for a fragment
// this process never tracked.
func (m *AckCorrelationMap) PullByMs(ackMs uint64) (storage.FragmentMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo := uint64(0)
	if ackMs > 0 {
		lo = ackMs - 1
	}
	hi := ackMs + 1

	start := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= lo })
	var matched []uint64
	for i := start; i < len(m.keys) && m.keys[i] <= hi; i++ {
		matched = append(matched, m.keys[i])
	}

	if len(matched) == 0 {
		if _, seen := m.recentlyAcked.Get(msCacheKey(ackMs)); seen {
			log.GetLogger().WithField("ack_ms", ackMs).Info("duplicate ack, fragment already released")
			metrics.AcksTotal.WithLabelValues("offline", metrics.AckOutcomeDoubleAck).Inc()
		} else {
			log.GetLogger().WithField("ack_ms", ackMs).Warn("ack for unknown fragment")
			metrics.AcksTotal.WithLabelValues("offline", metrics.AckOutcomeUnknown).Inc()
		}
		return storage.FragmentMeta{}, false
	}
	if len(matched) > 1 {
		// The assembler never produces two fragments in one millisecond.
		log.GetLogger().WithField("ack_ms", ackMs).
			Errorf("%d fragments match one ack, releasing the first", len(matched))
	}

	key := matched[0]
	meta := m.entries[key]
	delete(m.entries, key)
	idx := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= key })
	m.keys = append(m.keys[:idx], m.keys[idx+1:]...)

	m.recentlyAcked.SetDefault(msCacheKey(key), struct{}{})
	m.recentlyAcked.SetDefault(msCacheKey(ackMs), struct{}{})
	metrics.CatchupInFlight.Set(float64(len(m.keys)))
	metrics.AcksTotal.WithLabelValues("offline", metrics.AckOutcomePersisted).Inc()
	return meta, true
}

func msCacheKey(ms uint64) string {
	return strconv.FormatUint(ms, 10)
}
