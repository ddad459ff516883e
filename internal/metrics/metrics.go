// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesIngestedTotal counts frames pulled from the ingest adapter.
	FramesIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_frames_ingested_total",
			Help: "Total number of frames received from the ingest pipeline",
		},
	)

	// FramesDroppedTotal counts frames the engine discarded, by reason.
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_frames_dropped_total",
			Help: "Total number of frames dropped before reaching a sink",
		},
		[]string{"reason"},
	)

	// FragmentsAssembledTotal counts fragments closed by the assembler.
	FragmentsAssembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_fragments_assembled_total",
			Help: "Total number of GOP-aligned fragments assembled",
		},
	)

	// FragmentsEvictedTotal counts fragments dropped from a bounded store,
	// by store ("memory" or "disk").
	FragmentsEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_fragments_evicted_total",
			Help: "Total number of fragments evicted from bounded storage",
		},
		[]string{"store"},
	)

	// FragmentsPersistedTotal counts fragments written durably to disk.
	FragmentsPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_fragments_persisted_total",
			Help: "Total number of fragments persisted to the local store",
		},
	)

	// FragmentsCorruptedTotal counts blobs that failed to decode on read.
	FragmentsCorruptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_fragments_corrupted_total",
			Help: "Total number of fragment blobs dropped as corrupted",
		},
	)

	// DiskUsageBytes tracks the store's running byte usage.
	DiskUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_disk_usage_bytes",
			Help: "Bytes of fragment blobs currently on disk",
		},
	)

	// MemoryFragments tracks fragments held by the in-memory manager.
	MemoryFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_memory_fragments",
			Help: "Fragments currently retained in RAM",
		},
	)

	// CatchupInFlight tracks fragments pushed offline and awaiting acks.
	CatchupInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_catchup_in_flight",
			Help: "Fragments in flight to the offline sink awaiting acknowledgement",
		},
	)

	// AcksTotal counts sink acknowledgements by path and outcome.
	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_acks_total",
			Help: "Total number of sink acknowledgements processed",
		},
		[]string{"path", "outcome"},
	)

	// RealtimeChannelFullTotal counts frames skipped because the realtime
	// sink channel was full.
	RealtimeChannelFullTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_realtime_channel_full_total",
			Help: "Frames not mirrored to the realtime sink due to backpressure",
		},
	)
)

// Ack outcome label values.
const (
	AckOutcomePersisted    = "persisted"
	AckOutcomeDoubleAck    = "double_ack"
	AckOutcomeUnknown      = "unknown"
	AckOutcomeDisconnected = "disconnected"
)
