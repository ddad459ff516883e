package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrelvision.io/kestrel/internal/media"
)

const testMaxBytes = 1_000_000

func testFragment(t *testing.T, startNs uint64, deltas int) *media.Fragment {
	t.Helper()
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	fr, err := media.NewFragment(&media.Frame{
		IsKeyFrame:  true,
		TimestampNs: startNs,
		DurationNs:  33_000_000,
		Data:        payload,
		Flags:       1,
	})
	require.NoError(t, err)
	for i := 1; i <= deltas; i++ {
		require.NoError(t, fr.AppendFrame(&media.Frame{
			TimestampNs: startNs + uint64(i)*33_000_000,
			DurationNs:  33_000_000,
			Data:        payload,
		}))
	}
	return fr
}

func openTestStore(t *testing.T, dir string, maxBytes uint64) *Store {
	t.Helper()
	s, err := Open(dir, Options{MaxBytes: maxBytes, QueryDeleteBatch: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveQueryRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	var saved []*media.Fragment
	for i := uint64(1); i <= 5; i++ {
		fr := testFragment(t, i*100_000_000, 2)
		require.NoError(t, s.Save(fr))
		saved = append(saved, fr)
	}

	got, err := s.Query(0, 1_000_000_000_000, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, fr := range got {
		assert.True(t, saved[i].Equal(fr), "fragment %d must round-trip bit-exactly", i)
	}
}

func TestQueryOrderingAndBounds(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	// Save out of order; query must come back ascending.
	for _, ts := range []uint64{300, 100, 500, 200, 400} {
		require.NoError(t, s.Save(testFragment(t, ts, 0)))
	}

	got, err := s.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].StartTimestampNs, got[i].StartTimestampNs)
	}

	// Range is half-open, limit caps the result.
	got, err = s.Query(200, 500, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(200), got[0].StartTimestampNs)
	assert.Equal(t, uint64(400), got[2].StartTimestampNs)

	got, err = s.Query(0, MaxTimeForDB, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestQueryMetadataDoesNotTouchBlobs(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testMaxBytes)

	fr := testFragment(t, 100, 3)
	require.NoError(t, s.Save(fr))

	// Corrupt the blob; metadata queries must still work.
	require.NoError(t, os.WriteFile(filepath.Join(dir, fragmentFilename(100, fr.DurationNs)), []byte("junk"), 0o644))

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(100), metas[0].TimestampNs)
	assert.Equal(t, fr.DurationNs, metas[0].DurationNs)
}

func TestSaveDeleteRestoresByteUsage(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	require.NoError(t, s.Save(testFragment(t, 100, 1)))
	before := s.CurrentBytes()

	fr := testFragment(t, 900, 2)
	require.NoError(t, s.Save(fr))
	assert.Greater(t, s.CurrentBytes(), before)

	require.NoError(t, s.Delete(fr.StartTimestampNs))
	assert.Equal(t, before, s.CurrentBytes())
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	require.NoError(t, s.Save(testFragment(t, 100, 0)))
	require.NoError(t, s.Delete(100))
	require.NoError(t, s.Delete(100))
	require.NoError(t, s.Delete(424242))

	got, err := s.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, uint64(0), s.CurrentBytes())
}

func TestCorruptBlobDroppedOnRead(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testMaxBytes)

	good := testFragment(t, 100, 1)
	bad := testFragment(t, 200, 1)
	require.NoError(t, s.Save(good))
	require.NoError(t, s.Save(bad))

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, fragmentFilename(bad.StartTimestampNs, bad.DurationNs)),
		[]byte("not a valid encoding"), 0o644))

	got, err := s.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, good.Equal(got[0]))

	// The corrupt row is gone for good.
	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(100), metas[0].TimestampNs)
}

func TestMissingBlobDropsRow(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testMaxBytes)

	fr := testFragment(t, 100, 0)
	require.NoError(t, s.Save(fr))
	require.NoError(t, os.Remove(filepath.Join(dir, fragmentFilename(fr.StartTimestampNs, fr.DurationNs))))

	got, err := s.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

// sizedFragment builds a single-frame fragment whose blob encodes to
// exactly blobLen bytes (header 24 + per-frame 29 + payload).
func sizedFragment(t *testing.T, startNs uint64, blobLen int) *media.Fragment {
	t.Helper()
	require.Greater(t, blobLen, 53)
	fr, err := media.NewFragment(&media.Frame{
		IsKeyFrame:  true,
		TimestampNs: startNs,
		DurationNs:  33_000_000,
		Data:        make([]byte, blobLen-53),
	})
	require.NoError(t, err)
	return fr
}

func TestDiskEviction(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 250)

	// 125-byte fragments: the store holds exactly two under the limit.
	for _, ts := range []uint64{1, 2, 3} {
		require.NoError(t, s.Save(sizedFragment(t, ts, 125)))
	}
	require.NoError(t, s.Save(sizedFragment(t, 4, 125)))

	assert.LessOrEqual(t, s.CurrentBytes(), uint64(250))

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	// The oldest fragments are gone from index and disk; the newest survive.
	assert.Equal(t, uint64(3), metas[0].TimestampNs)
	assert.Equal(t, uint64(4), metas[1].TimestampNs)
	_, err = os.Stat(filepath.Join(s.dir, fragmentFilename(1, 33_000_000)))
	assert.True(t, os.IsNotExist(err))
}

func TestEvictionHandlesBurstOfSmallFragments(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 400)

	// More fragments over the limit than one delete batch covers; the
	// eviction loop must keep going until usage is back under. Twenty
	// 60-byte saves leave six small fragments (360 bytes); a 300-byte save
	// then needs five deletions, more than one batch of three.
	for ts := uint64(1); ts <= 20; ts++ {
		require.NoError(t, s.Save(sizedFragment(t, ts, 60)))
	}
	require.NoError(t, s.Save(sizedFragment(t, 21, 300)))
	assert.LessOrEqual(t, s.CurrentBytes(), uint64(400))
}

func TestResaveSameTimestampDoesNotLeakBytes(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	fr := testFragment(t, 100, 1)
	require.NoError(t, s.Save(fr))
	usage := s.CurrentBytes()

	require.NoError(t, s.Save(fr))
	assert.Equal(t, usage, s.CurrentBytes())

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestCurrentBytesMatchesDisk(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, testMaxBytes)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Save(testFragment(t, i*1000, 1)))
	}

	var diskTotal uint64
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		if _, ok := parseFragmentName(entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		require.NoError(t, err)
		diskTotal += uint64(info.Size())
	}
	assert.Equal(t, diskTotal, s.CurrentBytes())
}

func TestParseFragmentName(t *testing.T) {
	tests := []struct {
		name   string
		wantOK bool
		wantTs uint64
	}{
		{"fragment_100_50", true, 100},
		{"fragment_0_0", true, 0},
		{"fragment_abc_50", false, 0},
		{"fragment_100", false, 0},
		{"fragment_100_50_extra", false, 0},
		{"frame_metadata.txt", false, 0},
		{"frame_metadata.txt-journal", false, 0},
		{fmt.Sprintf("fragment_%d_1", uint64(1)<<63), false, 0}, // over the index range
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, ok := parseFragmentName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantTs, meta.TimestampNs)
			}
		})
	}
}
