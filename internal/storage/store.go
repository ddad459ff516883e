package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/metrics"
)

// Options tunes a Store.
type Options struct {
	// MaxBytes bounds the total size of fragment blobs on disk.
	MaxBytes uint64
	// QueryDeleteBatch is how many oldest rows one eviction pass fetches.
	// Fragments are of similar but not equal size, so a pass may need
	// several deletions and a pathological burst of small fragments may
	// need several passes.
	QueryDeleteBatch int
}

// Store is the durable queue of fragments awaiting cloud acknowledgement.
// The metadata index is authoritative for lookups; blob filenames alone are
// sufficient to rebuild it after index loss.
//
// All operations serialise on one mutex: the index connection is exclusive
// and the byte accounting must not race.
type Store struct {
	mu           sync.Mutex
	dir          string
	index        *metadataIndex
	currentBytes uint64
	maxBytes     uint64
	deleteBatch  int
}

// Open attaches to (or creates) a fragment directory. A corrupt index is
// rebuilt from the blob filenames; the journal, if any, is discarded.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MaxBytes == 0 {
		return nil, fmt.Errorf("%w: store max bytes must be positive", core.ErrConfigInvalid)
	}
	if opts.QueryDeleteBatch <= 0 {
		opts.QueryDeleteBatch = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fragment directory: %w", err)
	}

	index, err := openIndex(dir)
	if err == nil {
		if herr := index.healthy(dir); herr != nil {
			index.close()
			index = nil
			err = herr
		}
	}
	if index == nil {
		if !errors.Is(err, core.ErrIndexCorrupted) {
			log.GetLogger().WithError(err).Warn("metadata index unusable")
		}
		index, err = rebuildIndex(dir)
		if err != nil {
			return nil, err
		}
	}

	s := &Store{
		dir:         dir,
		index:       index,
		maxBytes:    opts.MaxBytes,
		deleteBatch: opts.QueryDeleteBatch,
	}
	s.currentBytes = scanBlobBytes(dir)
	metrics.DiskUsageBytes.Set(float64(s.currentBytes))

	log.GetLogger().WithFields(map[string]interface{}{
		"dir":   dir,
		"used":  humanize.Bytes(s.currentBytes),
		"limit": humanize.Bytes(s.maxBytes),
	}).Info("fragment store opened")
	return s, nil
}

// Close releases the index connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.close()
}

// CurrentBytes reports the running blob byte usage.
func (s *Store) CurrentBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBytes
}

// Save persists one fragment: blob first (write then rename, so a crash
// never leaves a half-written blob under a valid name), then the index row,
// then eviction back under the disk limit.
func (s *Store) Save(fr *media.Fragment) error {
	blob, err := media.EncodeFragment(fr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeBlob(fr.StartTimestampNs, fr.DurationNs, blob); err != nil {
		return err
	}
	if err := s.index.insert(fr.StartTimestampNs, fr.DurationNs); err != nil {
		return err
	}
	metrics.FragmentsPersistedTotal.Inc()

	return s.ensureWithinLimits()
}

// Query returns up to limit fragments with startNs <= ts < endNs ascending.
// A blob that is missing or fails to decode is dropped from the index and
// skipped; the iteration continues.
func (s *Store) Query(startNs, endNs, limit uint64) ([]*media.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.index.query(startNs, endNs, limit)
	if err != nil {
		return nil, err
	}

	fragments := make([]*media.Fragment, 0, len(metas))
	for _, meta := range metas {
		blob, err := os.ReadFile(s.blobPath(meta.TimestampNs, meta.DurationNs))
		if err != nil {
			log.GetLogger().WithError(err).
				WithField("ts_ns", meta.TimestampNs).
				Error("fragment blob unreadable, dropping row")
			s.dropCorrupt(meta)
			continue
		}
		fr, err := media.DecodeFragment(blob)
		if err != nil {
			log.GetLogger().WithError(err).
				WithField("ts_ns", meta.TimestampNs).
				Error("fragment corrupted, dropping row")
			s.dropCorrupt(meta)
			continue
		}
		fragments = append(fragments, fr)
	}
	return fragments, nil
}

// QueryMetadata returns only (ts, duration) pairs, for planning work
// without loading blobs.
func (s *Store) QueryMetadata(startNs, endNs, limit uint64) ([]FragmentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.query(startNs, endNs, limit)
}

// Delete removes a fragment's blob and index row. Deleting an unknown
// timestamp is a no-op.
func (s *Store) Delete(tsNs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, found, err := s.index.lookup(tsNs)
	if !found || err != nil {
		if err != nil {
			return err
		}
		// No row; clean up any orphaned blob under this timestamp.
		return s.removeOrphanBlobs(tsNs)
	}
	return s.deleteLocked(meta)
}

func (s *Store) deleteLocked(meta FragmentMeta) error {
	if err := s.removeBlob(meta.TimestampNs, meta.DurationNs); err != nil {
		return err
	}
	return s.index.delete(meta.TimestampNs)
}

// ensureWithinLimits deletes oldest fragments, a batch at a time, until the
// byte usage is back under the configured limit.
func (s *Store) ensureWithinLimits() error {
	for s.currentBytes > s.maxBytes {
		metas, err := s.index.query(0, MaxTimeForDB, uint64(s.deleteBatch))
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			// Nothing left to delete; usage is stray files, not blobs.
			log.GetLogger().Warnf("disk usage %s over limit %s with empty index",
				humanize.Bytes(s.currentBytes), humanize.Bytes(s.maxBytes))
			return nil
		}
		for _, meta := range metas {
			if err := s.deleteLocked(meta); err != nil {
				return err
			}
			metrics.FragmentsEvictedTotal.WithLabelValues("disk").Inc()
			log.GetLogger().WithField("ts_ns", meta.TimestampNs).
				Debug("evicted oldest fragment for disk limit")
			if s.currentBytes <= s.maxBytes {
				return nil
			}
		}
	}
	return nil
}

func (s *Store) writeBlob(tsNs, durationNs uint64, blob []byte) error {
	path := s.blobPath(tsNs, durationNs)

	// Re-saving the same fragment replaces its blob; keep the accounting
	// straight before the rename clobbers it.
	if st, err := os.Stat(path); err == nil {
		s.adjustBytes(-int64(st.Size()))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write fragment blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish fragment blob: %w", err)
	}
	s.adjustBytes(int64(len(blob)))
	return nil
}

func (s *Store) removeBlob(tsNs, durationNs uint64) error {
	path := s.blobPath(tsNs, durationNs)
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat fragment blob: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fragment blob: %w", err)
	}
	s.adjustBytes(-st.Size())
	return nil
}

// removeOrphanBlobs clears blob files for a timestamp that has no index
// row, whatever duration their names carry.
func (s *Store) removeOrphanBlobs(tsNs uint64) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, fmt.Sprintf("%s_%d_*", fragmentPrefix, tsNs)))
	if err != nil {
		return err
	}
	for _, path := range matches {
		meta, ok := parseFragmentName(filepath.Base(path))
		if !ok || meta.TimestampNs != tsNs {
			continue
		}
		if err := s.removeBlob(meta.TimestampNs, meta.DurationNs); err != nil {
			return err
		}
	}
	return nil
}

// dropCorrupt removes a fragment that failed to read back. Best effort: the
// row must go so the store stops tripping on it.
func (s *Store) dropCorrupt(meta FragmentMeta) {
	metrics.FragmentsCorruptedTotal.Inc()
	if err := s.deleteLocked(meta); err != nil {
		log.GetLogger().WithError(err).
			WithField("ts_ns", meta.TimestampNs).
			Error("failed to drop corrupted fragment")
	}
}

func (s *Store) adjustBytes(delta int64) {
	if delta < 0 && uint64(-delta) > s.currentBytes {
		s.currentBytes = 0
	} else {
		s.currentBytes = uint64(int64(s.currentBytes) + delta)
	}
	metrics.DiskUsageBytes.Set(float64(s.currentBytes))
}

func (s *Store) blobPath(tsNs, durationNs uint64) string {
	return filepath.Join(s.dir, fragmentFilename(tsNs, durationNs))
}

// scanBlobBytes sums the on-disk sizes of fragment-named files.
func scanBlobBytes(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total uint64
	for _, entry := range entries {
		if _, ok := metaFromFilename(entry); !ok {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}
