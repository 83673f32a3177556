package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// tombstone is the sentinel value a delete writes in place of real
// data. It rides the normal record format so a crash and rebuild
// cannot resurrect the key from older segments; readers map it to
// "key absent".
const tombstone = "caskdb::tombstone"

var ErrKeyNotFound = errors.New("key not found")

// DB is the storage engine: an append-only multi-segment log fronted
// by an in-memory key directory. Writes land in the active segment
// pair (<id>.data plus its <id>.hint sidecar), reads resolve through
// the key directory, and a background merge compacts the sealed
// segments.
type DB struct {
	dir           string
	fsync         bool          // sync every record append to stable storage
	maxFileSize   int64         // rotate the active segment at this size
	mergeEnabled  bool
	mergeInterval time.Duration // end-of-run to start-of-run spacing
	log           *zap.SugaredLogger
	metrics       *storeMetrics

	mu           sync.RWMutex        // guards writer state, read-file table, nextID, mergeRunning
	keydir       *keyDir
	readFiles    map[string]*segment // data segments by base name, active included
	active       *segment            // writer-mode data segment, nil until first write
	activeHint   *segment            // writer-mode hint sidecar of active
	nextID       int
	mergeRunning bool

	mergeErr     chan error // async merge failure reporting
	onMergeStart func()     // test hook, runs after mergeable segments are chosen
	closed       chan struct{}
	closeOnce    sync.Once
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithMaxFileSize sets the size threshold at which the active segment
// is sealed and a fresh one is opened.
func WithMaxFileSize(n int64) Option {
	return func(db *DB) { db.maxFileSize = n }
}

// WithFsync makes every record append sync the file descriptor before
// returning. Durable but slow; without it durability is bounded by the
// OS page-cache writeback.
func WithFsync(b bool) Option {
	return func(db *DB) { db.fsync = b }
}

// WithMergeEnabled toggles the periodic background merge.
func WithMergeEnabled(b bool) Option {
	return func(db *DB) { db.mergeEnabled = b }
}

// WithMergeInterval sets the pause between the end of one merge run
// and the start of the next.
func WithMergeInterval(d time.Duration) Option {
	return func(db *DB) { db.mergeInterval = d }
}

// WithLogger replaces the default nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(db *DB) { db.log = log }
}

// WithMetricsRegisterer registers the engine's metrics with r.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(db *DB) { db.metrics = newStoreMetrics(r) }
}

// WithOnMergeStart installs a hook invoked at the start of each merge
// run, after the mergeable segments are chosen and outside the engine
// lock. Used by tests to interleave writes with a running merge.
func WithOnMergeStart(f func()) Option {
	return func(db *DB) { db.onMergeStart = f }
}

// Open opens the database in dir, creating it when missing, and
// rebuilds the key directory from the persisted segments. The periodic
// merge starts after a successful open.
func Open(dir string, opts ...Option) (*DB, error) {
	db := &DB{
		dir:          dir,
		keydir:       newKeyDir(),
		readFiles:    make(map[string]*segment),
		mergeErr:     make(chan error, 1),
		closed:       make(chan struct{}),
		onMergeStart: func() {},
		log:          zap.NewNop().Sugar(),
		// default values
		fsync:         false,
		maxFileSize:   256 * 1024 * 1024,
		mergeEnabled:  true,
		mergeInterval: 12 * time.Hour,
	}

	for _, opt := range opts {
		opt(db)
	}

	if db.metrics == nil {
		db.metrics = newStoreMetrics(nil)
	}

	var err error

	// if we're erroring out, release whatever was opened so far
	defer func() {
		if err != nil {
			db.abortOnOpen()
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if err = db.rebuildIndex(); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}

	if db.mergeEnabled && db.mergeInterval > 0 {
		go db.mergeLoop()
	}

	db.log.Infow("database opened",
		"dir", dir,
		"segments", len(db.readFiles),
		"keys", db.keydir.len(),
		"nextId", db.nextID,
		"fsync", db.fsync,
	)

	return db, nil
}

// rebuildIndex enumerates data segments in id order and loads every
// entry into the key directory, preferring the hint sidecar when one
// exists. Later records for the same key overwrite earlier ones, so
// the final directory reflects the most recent write per key.
// Tombstone entries stay in the directory; Get maps them to absent.
func (db *DB) rebuildIndex() error {
	dataIDs, err := listSegmentIDs(db.dir, dataSuffix)
	if err != nil {
		return err
	}
	hintIDs, err := listSegmentIDs(db.dir, hintSuffix)
	if err != nil {
		return err
	}

	if len(dataIDs) == 0 {
		db.nextID = 0
		return nil
	}

	orphans, err := checkHintCoverage(dataIDs, hintIDs)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		db.log.Warnw("orphaned hint file", "file", segmentName(id, hintSuffix))
	}

	for _, id := range dataIDs {
		seg, err := openSegment(db.dir, id, dataSuffix)
		if err != nil {
			return err
		}
		db.readFiles[seg.basename()] = seg

		if slices.Contains(hintIDs, id) {
			if err := db.loadFromHints(seg); err != nil {
				return err
			}
		} else {
			if err := db.loadFromData(seg); err != nil {
				return err
			}
		}
	}

	db.nextID = slices.Max(dataIDs) + 1
	db.metrics.segmentCount.Set(float64(len(dataIDs)))
	return nil
}

func (db *DB) loadFromHints(data *segment) error {
	hint, err := openSegment(db.dir, data.id, hintSuffix)
	if err != nil {
		return err
	}
	defer hint.close() // nolint:errcheck

	hs, err := hint.scanHints()
	if err != nil {
		return err
	}
	for hs.scan() {
		rec := hs.record
		db.keydir.add(rec.key, Entry{
			Segment:   data.basename(),
			Size:      rec.entrySize,
			Offset:    int64(rec.entryOffset),
			Timestamp: rec.timestamp,
		})
	}
	if hs.err != nil {
		return fmt.Errorf("scan %s: %w", hint.basename(), hs.err)
	}
	return nil
}

func (db *DB) loadFromData(data *segment) error {
	ds, err := data.scanData()
	if err != nil {
		return err
	}
	for ds.scan() {
		rec := ds.record
		db.keydir.add(rec.key, Entry{
			Segment:   data.basename(),
			Size:      rec.entrySize,
			Offset:    rec.off,
			Timestamp: rec.timestamp,
		})
	}
	if ds.err != nil {
		// a mid-file corruption could silently promote an older value
		// to latest, so rebuild refuses to continue past it
		return fmt.Errorf("scan %s: %w", data.basename(), ds.err)
	}
	return nil
}

// Set stores a key/value pair.
func (db *DB) Set(key, val string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.storeLocked(key, val)
}

// storeLocked appends a data record and its hint, then points the key
// directory at the new location. Callers hold db.mu.
func (db *DB) storeLocked(key, val string) error {
	required := int64(hdrLen + len(key) + len(val))

	if db.active == nil {
		if err := db.createWriteFilesLocked(); err != nil {
			return err
		}
	} else if db.active.size+required > db.maxFileSize {
		if err := db.rotateLocked(); err != nil {
			return err
		}
	}

	off := db.active.size
	ts := uint32(time.Now().Unix())

	if _, err := db.active.append(encodeData(ts, key, val)); err != nil {
		return err
	}
	if _, err := db.activeHint.append(encodeHint(ts, key, uint32(off), uint32(required))); err != nil {
		return err
	}

	db.keydir.add(key, Entry{
		Segment:   db.active.basename(),
		Size:      uint32(required),
		Offset:    off,
		Timestamp: ts,
	})

	db.metrics.writesTotal.Inc()
	return nil
}

// createWriteFilesLocked opens a writer segment pair at the next
// unused id and registers the data file as its own read source.
func (db *DB) createWriteFilesLocked() error {
	data, err := createSegment(db.dir, db.nextID, dataSuffix, db.fsync)
	if err != nil {
		return err
	}
	hint, err := createSegment(db.dir, db.nextID, hintSuffix, db.fsync)
	if err != nil {
		_ = data.close()
		return err
	}

	data.fsyncDur = db.metrics.fsyncDuration

	db.active = data
	db.activeHint = hint
	db.readFiles[data.basename()] = data

	db.metrics.activeSegment.Set(float64(data.id))
	db.metrics.segmentCount.Set(float64(len(db.readFiles)))
	return nil
}

// rotateLocked seals the active segment pair and opens a fresh one at
// the next id. The sealed data file is reopened read-only so later
// reads of its records go through a reader-mode handle.
func (db *DB) rotateLocked() error {
	prev := db.active
	db.nextID++

	if err := db.active.close(); err != nil {
		return fmt.Errorf("close segment %d: %w", prev.id, err)
	}
	if err := db.activeHint.close(); err != nil {
		return fmt.Errorf("close hint %d: %w", prev.id, err)
	}
	db.active, db.activeHint = nil, nil

	reopened, err := openSegment(db.dir, prev.id, dataSuffix)
	if err != nil {
		return err
	}
	db.readFiles[reopened.basename()] = reopened

	if err := db.createWriteFilesLocked(); err != nil {
		return err
	}

	db.log.Debugw("segment rotated", "sealed", prev.id, "active", db.active.id)
	return nil
}

// Get returns the value stored under key, or ErrKeyNotFound. The
// record is re-read from disk and its checksum verified on every call;
// a mismatch surfaces as ErrCorruptRecord and the directory entry is
// left in place for diagnosis.
func (db *DB) Get(key string) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	entry, ok := db.keydir.get(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	seg, ok := db.readFiles[entry.Segment]
	if !ok {
		return "", fmt.Errorf("segment %s referenced by key %q is not open", entry.Segment, key)
	}

	frame, err := seg.readAt(entry.Offset, entry.Size)
	if err != nil {
		return "", err
	}

	_, val, err := verifyData(frame)
	if err != nil {
		return "", fmt.Errorf("verify %s at %d: %w", entry.Segment, entry.Offset, err)
	}

	// a tombstone loaded back by rebuild means the key was deleted
	if val == tombstone {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	db.metrics.readsTotal.Inc()
	return val, nil
}

// Delete removes key, reporting whether it was present. The tombstone
// record keeps the delete durable across restarts while the in-memory
// entry is dropped immediately.
func (db *DB) Delete(key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.keydir.get(key); !ok {
		return false, nil
	}

	if err := db.storeLocked(key, tombstone); err != nil {
		return false, err
	}
	db.keydir.delete(key)

	db.metrics.deletesTotal.Inc()
	return true, nil
}

// KeyCount returns the number of entries in the key directory. After
// a restart this includes tombstoned keys reloaded by the rebuild,
// which Get reports as absent.
func (db *DB) KeyCount() int {
	return db.keydir.len()
}

// DiskSize returns the sum of all on-disk segment file sizes.
func (db *DB) DiskSize() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var total int64
	for _, seg := range db.readFiles {
		info, err := seg.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat segment file: %w", err)
		}
		total += info.Size()

		// the hint sidecar, when present, is a segment file too
		hint, err := os.Stat(filepath.Join(db.dir, segmentName(seg.id, hintSuffix)))
		if err == nil {
			total += hint.Size()
		} else if !os.IsNotExist(err) {
			return 0, fmt.Errorf("stat hint file: %w", err)
		}
	}
	return total, nil
}

// MergeErrors reports failures of background merge runs.
func (db *DB) MergeErrors() <-chan error { return db.mergeErr }

// Close stops the merge timer and releases every open segment handle.
func (db *DB) Close() error {
	db.closeOnce.Do(func() { close(db.closed) })

	db.mu.Lock()
	defer db.mu.Unlock()

	var errs error
	if db.active != nil {
		errs = multierr.Append(errs, db.active.sync())
	}
	if db.activeHint != nil {
		errs = multierr.Append(errs, db.activeHint.sync())
		errs = multierr.Append(errs, db.activeHint.close())
		db.activeHint = nil
	}
	for name, seg := range db.readFiles {
		errs = multierr.Append(errs, seg.close())
		delete(db.readFiles, name)
	}
	db.active = nil

	return errs
}

// abortOnOpen releases handles opened by a failed Open. Separate from
// Close, which is the graceful path.
func (db *DB) abortOnOpen() {
	for _, seg := range db.readFiles {
		_ = seg.close()
	}
	if db.activeHint != nil {
		_ = db.activeHint.close()
	}
}
