package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrelvision.io/kestrel/internal/media"
)

func key(ts uint64) *media.Frame {
	return &media.Frame{IsKeyFrame: true, TimestampNs: ts, DurationNs: 20, Data: []byte{0x65}}
}

func delta(ts uint64) *media.Frame {
	return &media.Frame{TimestampNs: ts, DurationNs: 20, Data: []byte{0x41}}
}

func collectFragments() (*[]*media.Fragment, func(*media.Fragment)) {
	var out []*media.Fragment
	return &out, func(fr *media.Fragment) { out = append(out, fr) }
}

func TestHappyAssembly(t *testing.T) {
	emitted, emit := collectFragments()
	a := NewAssembler(emit)

	// K@100, P@120, P@140, K@200, P@220 — the second key frame closes the
	// first fragment; the second fragment stays open.
	a.AddFrame(key(100))
	a.AddFrame(delta(120))
	a.AddFrame(delta(140))
	a.AddFrame(key(200))
	a.AddFrame(delta(220))

	require.Len(t, *emitted, 1)
	first := (*emitted)[0]
	assert.Equal(t, uint64(100), first.StartTimestampNs)
	assert.Equal(t, uint64(40), first.DurationNs)
	assert.Equal(t, 3, first.FrameCount())

	// The next key frame flushes the second fragment.
	a.AddFrame(key(300))
	require.Len(t, *emitted, 2)
	second := (*emitted)[1]
	assert.Equal(t, uint64(200), second.StartTimestampNs)
	assert.Equal(t, uint64(20), second.DurationNs)
	assert.Equal(t, 2, second.FrameCount())
}

func TestEveryEmittedFragmentIsWellFormed(t *testing.T) {
	emitted, emit := collectFragments()
	a := NewAssembler(emit)

	for gop := uint64(0); gop < 10; gop++ {
		a.AddFrame(key(1000 * gop))
		for i := uint64(1); i <= 4; i++ {
			a.AddFrame(delta(1000*gop + 100*i))
		}
	}

	require.Len(t, *emitted, 9)
	for _, fr := range *emitted {
		assert.NoError(t, fr.Validate())
	}
}

func TestNonKeyFrameBeforeAnyKeyFrameIsDropped(t *testing.T) {
	emitted, emit := collectFragments()
	a := NewAssembler(emit)

	// Joining mid-GOP: deltas without a key frame cannot start a fragment.
	a.AddFrame(delta(100))
	a.AddFrame(delta(120))
	a.AddFrame(key(200))
	a.AddFrame(delta(220))
	a.AddFrame(key(300))

	require.Len(t, *emitted, 1)
	assert.Equal(t, uint64(200), (*emitted)[0].StartTimestampNs)
	assert.Equal(t, 2, (*emitted)[0].FrameCount())
}

func TestInvariantViolationFlushesEarly(t *testing.T) {
	emitted, emit := collectFragments()
	a := NewAssembler(emit)

	a.AddFrame(key(1000))
	a.AddFrame(delta(1100))
	// A frame from the past violates ordering: flush what we have.
	a.AddFrame(delta(500))

	require.Len(t, *emitted, 1)
	assert.Equal(t, uint64(1000), (*emitted)[0].StartTimestampNs)
	assert.Equal(t, 2, (*emitted)[0].FrameCount())
	assert.NoError(t, (*emitted)[0].Validate())

	// Deltas stay dropped until the stream resynchronises on a key frame.
	a.AddFrame(delta(1200))
	require.Len(t, *emitted, 1)
	a.AddFrame(key(2000))
	a.AddFrame(delta(2100))
	a.AddFrame(key(3000))
	require.Len(t, *emitted, 2)
	assert.Equal(t, uint64(2000), (*emitted)[1].StartTimestampNs)
}
