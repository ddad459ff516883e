package media

import "fmt"

// Fragment is a GOP-aligned run of frames: one key frame followed by its
// delta frames. Duration is the distance from the first frame's timestamp to
// the last's; a fragment holding only its key frame carries that frame's own
// duration.
type Fragment struct {
	StartTimestampNs uint64
	DurationNs       uint64
	Frames           []*Frame
}

// NewFragment opens a fragment with its key frame.
func NewFragment(keyFrame *Frame) (*Fragment, error) {
	if !keyFrame.IsKeyFrame {
		return nil, ErrNotKeyFrame
	}
	return &Fragment{
		StartTimestampNs: keyFrame.TimestampNs,
		DurationNs:       keyFrame.DurationNs,
		Frames:           []*Frame{keyFrame},
	}, nil
}

// AppendFrame adds a delta frame and stretches the fragment duration to the
// new frame's timestamp.
func (fr *Fragment) AppendFrame(frame *Frame) error {
	if frame.IsKeyFrame {
		return ErrUnexpectedKeyFrame
	}
	if frame.TimestampNs < fr.lastTimestampNs() {
		return ErrTimestampOrder
	}
	fr.DurationNs = frame.TimestampNs - fr.StartTimestampNs
	fr.Frames = append(fr.Frames, frame)
	return nil
}

// Validate checks the fragment's structural invariants: it is non-empty,
// opens with the only key frame, timestamps never go backwards, and, once it
// holds more than one frame, the recorded duration matches the frame span.
func (fr *Fragment) Validate() error {
	if len(fr.Frames) == 0 {
		return ErrEmptyFragment
	}
	if !fr.Frames[0].IsKeyFrame {
		return ErrNotKeyFrame
	}
	prev := fr.Frames[0].TimestampNs
	for _, frame := range fr.Frames[1:] {
		if frame.IsKeyFrame {
			return ErrUnexpectedKeyFrame
		}
		if frame.TimestampNs < prev {
			return ErrTimestampOrder
		}
		prev = frame.TimestampNs
	}
	if len(fr.Frames) > 1 {
		want := fr.lastTimestampNs() - fr.StartTimestampNs
		if fr.DurationNs != want {
			return fmt.Errorf("kestrel: fragment duration %d does not span frames (want %d)", fr.DurationNs, want)
		}
	}
	return nil
}

// MsKey is the fragment's millisecond handle, derived from its key frame.
func (fr *Fragment) MsKey() uint64 {
	return fr.StartTimestampNs / NsPerMs
}

// FrameCount returns the number of frames in the fragment.
func (fr *Fragment) FrameCount() int {
	return len(fr.Frames)
}

// Equal reports bit-exact equality of two fragments.
func (fr *Fragment) Equal(other *Fragment) bool {
	if fr == nil || other == nil {
		return fr == other
	}
	if fr.StartTimestampNs != other.StartTimestampNs ||
		fr.DurationNs != other.DurationNs ||
		len(fr.Frames) != len(other.Frames) {
		return false
	}
	for i := range fr.Frames {
		if !fr.Frames[i].Equal(other.Frames[i]) {
			return false
		}
	}
	return true
}

func (fr *Fragment) lastTimestampNs() uint64 {
	if len(fr.Frames) == 0 {
		return fr.StartTimestampNs
	}
	return fr.Frames[len(fr.Frames)-1].TimestampNs
}
