package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrelvision.io/kestrel/internal/media"
)

func writeBlobDirect(t *testing.T, dir string, fr *media.Fragment) {
	t.Helper()
	blob, err := media.EncodeFragment(fr)
	require.NoError(t, err)
	path := filepath.Join(dir, fragmentFilename(fr.StartTimestampNs, fr.DurationNs))
	require.NoError(t, os.WriteFile(path, blob, 0o644))
}

func TestRecoveryFromCorruptIndex(t *testing.T) {
	dir := t.TempDir()

	// Blobs written outside any index, as a crashed process leaves them.
	first := testFragment(t, 100, 1)
	second := testFragment(t, 200, 1)
	writeBlobDirect(t, dir, first)
	writeBlobDirect(t, dir, second)

	// A junk file with a fragment-shaped name and unparseable contents.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fragment_99999_99999"),
		[]byte("not a valid encoding"), 0o644))

	// A deliberately corrupted index plus a stale journal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, dbFileName), []byte("Invalid Database!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, dbJournalName), []byte("stale"), 0o644))

	s := openTestStore(t, dir, testMaxBytes)

	got, err := s.Query(0, 1_000_000_000_000, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, first.Equal(got[0]))
	assert.True(t, second.Equal(got[1]))

	// The junk file was indexed from its name and dropped on first read.
	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	// The journal is gone and the store keeps working.
	_, err = os.Stat(filepath.Join(dir, dbJournalName))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Save(testFragment(t, 300, 0)))
}

func TestRecoveryFromMissingIndexWithBlobs(t *testing.T) {
	dir := t.TempDir()
	writeBlobDirect(t, dir, testFragment(t, 100, 0))
	writeBlobDirect(t, dir, testFragment(t, 200, 0))

	// The index opens cleanly but holds zero rows while blobs exist: it is
	// presumed corrupt and rebuilt from the filesystem.
	s := openTestStore(t, dir, testMaxBytes)

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, uint64(100), metas[0].TimestampNs)
	assert.Equal(t, uint64(200), metas[1].TimestampNs)
}

func TestOpenEmptyDirectoryIsHealthy(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testMaxBytes)

	got, err := s.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, uint64(0), s.CurrentBytes())
}

func TestReopenTrustsPopulatedIndex(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{MaxBytes: testMaxBytes})
	require.NoError(t, err)
	fr := testFragment(t, 100, 1)
	require.NoError(t, s.Save(fr))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir, testMaxBytes)
	got, err := reopened.Query(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, fr.Equal(got[0]))
	assert.Positive(t, reopened.CurrentBytes())
}

func TestRecoveryIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeBlobDirect(t, dir, testFragment(t, 100, 0))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "fragment_1_2"), 0o755))

	s := openTestStore(t, dir, testMaxBytes)

	metas, err := s.QueryMetadata(0, MaxTimeForDB, 10)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(100), metas[0].TimestampNs)
}
