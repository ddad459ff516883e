// Package storage implements the durable, bounded, crash-recoverable
// fragment store: one SQLite metadata index plus one blob file per
// fragment.
package storage

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/log"
)

const (
	// dbFileName is fixed: existing installations are recovered by name.
	dbFileName      = "frame_metadata.txt"
	dbJournalName   = "frame_metadata.txt-journal"
	fragmentPrefix  = "fragment"
	createTableStmt = "CREATE TABLE IF NOT EXISTS metadata (timestamp INTEGER PRIMARY KEY, duration INTEGER)"
)

// MaxTimeForDB is the largest timestamp the index can hold; SQLite INTEGER
// is a signed 64-bit value.
const MaxTimeForDB = uint64(math.MaxInt64)

// FragmentMeta is one index row.
type FragmentMeta struct {
	TimestampNs uint64
	DurationNs  uint64
}

// metadataIndex wraps the exclusive SQLite connection. Callers hold the
// store mutex; the index itself is not safe for concurrent use.
type metadataIndex struct {
	db   *sql.DB
	path string
}

// openIndex opens (or creates) the index file and ensures the schema. The
// connection is exclusive and journal-free: the blobs on disk, not the
// journal, are the recovery source.
func openIndex(dir string) (*metadataIndex, error) {
	path := filepath.Join(dir, dbFileName)
	dsn := fmt.Sprintf("file:%s?_journal_mode=OFF&_synchronous=FULL&_locking_mode=EXCLUSIVE", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTableStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata table: %w", err)
	}
	return &metadataIndex{db: db, path: path}, nil
}

func (idx *metadataIndex) close() error {
	return idx.db.Close()
}

// healthy probes the index. A readable row means the index is trusted. An
// empty index is only trusted when the directory holds no fragment blobs;
// blobs without rows mean the index lost data.
func (idx *metadataIndex) healthy(dir string) error {
	row := idx.db.QueryRow(
		"SELECT timestamp, duration FROM metadata WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp LIMIT 1",
		0, int64(MaxTimeForDB))
	var ts, dur int64
	err := row.Scan(&ts, &dur)
	switch {
	case err == nil:
		return nil
	case err != sql.ErrNoRows:
		return fmt.Errorf("%w: health probe: %v", core.ErrIndexCorrupted, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan fragment directory: %w", err)
	}
	for _, entry := range entries {
		if _, ok := metaFromFilename(entry); ok {
			return fmt.Errorf("%w: index empty but fragment blobs exist", core.ErrIndexCorrupted)
		}
	}
	return nil
}

// insert records a fragment row. Re-saving the same timestamp replaces the
// row so timestamps stay unique.
func (idx *metadataIndex) insert(tsNs, durationNs uint64) error {
	_, err := idx.db.Exec(
		"INSERT OR REPLACE INTO metadata (timestamp, duration) VALUES (?, ?)",
		int64(tsNs), int64(durationNs))
	if err != nil {
		return fmt.Errorf("insert metadata row: %w", err)
	}
	return nil
}

// delete removes a fragment row. Deleting an absent row is a no-op.
func (idx *metadataIndex) delete(tsNs uint64) error {
	_, err := idx.db.Exec("DELETE FROM metadata WHERE timestamp == ?", int64(tsNs))
	if err != nil {
		return fmt.Errorf("delete metadata row: %w", err)
	}
	return nil
}

// lookup fetches a single row by timestamp.
func (idx *metadataIndex) lookup(tsNs uint64) (FragmentMeta, bool, error) {
	row := idx.db.QueryRow("SELECT timestamp, duration FROM metadata WHERE timestamp == ?", int64(tsNs))
	var ts, dur int64
	if err := row.Scan(&ts, &dur); err != nil {
		if err == sql.ErrNoRows {
			return FragmentMeta{}, false, nil
		}
		return FragmentMeta{}, false, fmt.Errorf("lookup metadata row: %w", err)
	}
	return FragmentMeta{TimestampNs: uint64(ts), DurationNs: uint64(dur)}, true, nil
}

// query returns up to limit rows with startNs <= timestamp < endNs in
// ascending order.
func (idx *metadataIndex) query(startNs, endNs uint64, limit uint64) ([]FragmentMeta, error) {
	if endNs > MaxTimeForDB {
		endNs = MaxTimeForDB
	}
	rows, err := idx.db.Query(
		"SELECT timestamp, duration FROM metadata WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp LIMIT ?",
		int64(startNs), int64(endNs), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("query metadata rows: %w", err)
	}
	defer rows.Close()

	var metas []FragmentMeta
	for rows.Next() {
		var ts, dur int64
		if err := rows.Scan(&ts, &dur); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		metas = append(metas, FragmentMeta{TimestampNs: uint64(ts), DurationNs: uint64(dur)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata rows: %w", err)
	}
	return metas, nil
}

// rebuildIndex deletes a presumed-corrupt index (and any journal), creates
// a fresh one and repopulates it from the fragment filenames on disk.
// Blobs whose contents are bad are dropped lazily on first read.
func rebuildIndex(dir string) (*metadataIndex, error) {
	logger := log.GetLogger().WithField("dir", dir)
	logger.Warn("metadata index corrupt, rebuilding from fragment files")

	if err := os.Remove(filepath.Join(dir, dbFileName)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove corrupt index: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, dbJournalName)); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("could not remove index journal")
	}

	idx, err := openIndex(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		idx.close()
		return nil, fmt.Errorf("scan fragment directory: %w", err)
	}
	restored := 0
	for _, entry := range entries {
		meta, ok := metaFromFilename(entry)
		if !ok {
			continue
		}
		if err := idx.insert(meta.TimestampNs, meta.DurationNs); err != nil {
			idx.close()
			return nil, err
		}
		restored++
	}
	logger.Infof("metadata index rebuilt with %d fragments", restored)
	return idx, nil
}

// metaFromFilename parses fragment_<ts_ns>_<duration_ns>. Anything else —
// directories, the index files, stray data — is ignored.
func metaFromFilename(entry os.DirEntry) (FragmentMeta, bool) {
	if entry.IsDir() {
		return FragmentMeta{}, false
	}
	return parseFragmentName(entry.Name())
}

func parseFragmentName(name string) (FragmentMeta, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != fragmentPrefix {
		return FragmentMeta{}, false
	}
	ts, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return FragmentMeta{}, false
	}
	dur, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return FragmentMeta{}, false
	}
	if ts > MaxTimeForDB {
		return FragmentMeta{}, false
	}
	return FragmentMeta{TimestampNs: ts, DurationNs: dur}, true
}

// fragmentFilename is the deterministic blob name for a row; the filesystem
// alone can rebuild the index from it.
func fragmentFilename(tsNs, durationNs uint64) string {
	return fmt.Sprintf("%s_%d_%d", fragmentPrefix, tsNs, durationNs)
}
