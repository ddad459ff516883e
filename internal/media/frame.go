// Package media holds the video data model: H.264 access units and the
// GOP-aligned fragments assembled from them.
package media

// TimestampMode selects the clock frames are stamped with.
type TimestampMode string

const (
	// TimestampWallClock stamps frames with nanoseconds since the Unix
	// epoch. Required when the downstream muxer treats the PTS as an
	// absolute timecode.
	TimestampWallClock TimestampMode = "wall_clock"
	// TimestampStreamRelative stamps frames relative to the stream base
	// time.
	TimestampStreamRelative TimestampMode = "stream_relative"
)

// NsPerMs converts between the engine's nanosecond timestamps and the
// millisecond timecodes cloud sinks acknowledge with.
const NsPerMs uint64 = 1_000_000

// Frame is one H.264 access unit. Frames are immutable after creation and
// shared by pointer between the assembler, the in-memory manager and the
// uplinks; nothing may write to Data after the frame enters the engine.
type Frame struct {
	// IsKeyFrame marks an intra-coded access unit that is independently
	// decodable. Key frames open fragments.
	IsKeyFrame bool
	// TimestampNs is the monotonic presentation time in nanoseconds,
	// absolute or stream-relative depending on TimestampMode.
	TimestampNs uint64
	// DurationNs is the display time of the frame (1/FPS for constant-rate
	// streams).
	DurationNs uint64
	// Data is the access unit payload.
	Data []byte
	// Flags round-trips the ingest pipeline's buffer flags so downstream
	// muxers see the same access-unit boundaries. Opaque to the engine.
	Flags uint32
}

// MsKey is the frame's millisecond-resolution handle, the granularity at
// which cloud sinks acknowledge fragments.
func (f *Frame) MsKey() uint64 {
	return f.TimestampNs / NsPerMs
}

// Equal reports bit-exact equality, used by round-trip tests and the codec.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.IsKeyFrame != other.IsKeyFrame ||
		f.TimestampNs != other.TimestampNs ||
		f.DurationNs != other.DurationNs ||
		f.Flags != other.Flags ||
		len(f.Data) != len(other.Data) {
		return false
	}
	for i := range f.Data {
		if f.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}
