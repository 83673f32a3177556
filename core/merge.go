package core

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// mergeCand is the latest surviving record for a key across the
// mergeable segments.
type mergeCand struct {
	val       string
	timestamp uint32
	srcID     int // id of the segment the record was read from
}

// mergeLoop drives the periodic merge. The timer is re-armed after
// each run completes, so the interval is measured from the end of one
// run to the start of the next rather than being a fixed frequency.
func (db *DB) mergeLoop() {
	timer := time.NewTimer(db.mergeInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := db.Merge(); err != nil {
				select {
				case db.mergeErr <- err:
				default:
				}
			}
			timer.Reset(db.mergeInterval)
		case <-db.closed:
			return
		}
	}
}

// Merge rewrites the sealed data segments into a single compacted
// segment carrying only the latest record per key, then atomically
// publishes it and deletes the originals. Only one merge runs at a
// time; a call that finds one in flight is a no-op. Writes and reads
// stay available for the whole run: the engine lock is held only to
// claim the flag and to publish.
func (db *DB) Merge() error {
	db.mu.Lock()
	if db.mergeRunning {
		db.mu.Unlock()
		return nil
	}
	db.mergeRunning = true

	mergeable := db.mergeableLocked()
	db.mu.Unlock()

	defer func() {
		db.mu.Lock()
		db.mergeRunning = false
		db.mu.Unlock()
	}()

	// nothing worth compacting yet
	if len(mergeable) < 2 {
		return nil
	}

	db.metrics.mergesTotal.Inc()
	if err := db.merge(mergeable); err != nil {
		db.metrics.mergesFailed.Inc()
		return err
	}
	return nil
}

// mergeableLocked returns the sealed data segments in id order,
// leaving out the active writer.
func (db *DB) mergeableLocked() []*segment {
	var segs []*segment
	for _, seg := range db.readFiles {
		if db.active != nil && seg.id == db.active.id {
			continue
		}
		segs = append(segs, seg)
	}
	slices.SortFunc(segs, func(a, b *segment) int { return a.id - b.id })
	return segs
}

func (db *DB) merge(mergeable []*segment) error {
	// input segments are decided, run the callback for testing
	db.onMergeStart()

	start := time.Now()

	// Latest-value selection, outside the engine lock. Segments are
	// walked newest first; the first segment to mention a key owns it,
	// and within that segment a later record overwrites an earlier one
	// (forward scan order). Tombstones are selected like any value so
	// a delete cannot resurrect from even older files on restart.
	latest := make(map[string]mergeCand)
	for i := len(mergeable) - 1; i >= 0; i-- {
		seg := mergeable[i]

		ds, err := seg.scanData()
		if err != nil {
			return err
		}
		for ds.scan() {
			rec := ds.record
			if cand, ok := latest[rec.key]; ok && cand.srcID != seg.id {
				continue
			}
			latest[rec.key] = mergeCand{val: rec.val, timestamp: rec.timestamp, srcID: seg.id}
		}
		if ds.err != nil {
			return fmt.Errorf("scan %s: %w", seg.basename(), ds.err)
		}
	}

	// The compacted pair takes the id of the newest mergeable segment
	// and is staged in a temp dir so readers never observe a partial
	// file in the main directory.
	mergeID := mergeable[len(mergeable)-1].id

	tmpDir, err := os.MkdirTemp(db.dir, "merge")
	if err != nil {
		return fmt.Errorf("create merge dir: %w", err)
	}
	defer os.RemoveAll(tmpDir) // nolint:errcheck

	mergedIndex, err := db.writeCompacted(tmpDir, mergeID, latest)
	if err != nil {
		return err
	}

	if err := db.publish(tmpDir, mergeID, mergeable, mergedIndex); err != nil {
		return err
	}

	db.log.Infow("merge completed",
		"inputs", len(mergeable),
		"keys", len(mergedIndex),
		"segment", mergeID,
		"took", time.Since(start),
	)
	return nil
}

// writeCompacted appends every selected record, with its original
// timestamp, to a fresh segment pair in tmpDir and records where each
// key landed.
func (db *DB) writeCompacted(tmpDir string, mergeID int, latest map[string]mergeCand) (map[string]Entry, error) {
	data, err := createSegment(tmpDir, mergeID, dataSuffix, db.fsync)
	if err != nil {
		return nil, err
	}
	defer data.close() // nolint:errcheck

	hint, err := createSegment(tmpDir, mergeID, hintSuffix, db.fsync)
	if err != nil {
		return nil, err
	}
	defer hint.close() // nolint:errcheck

	mergedIndex := make(map[string]Entry, len(latest))
	for key, cand := range latest {
		off := data.size
		required := int64(hdrLen + len(key) + len(cand.val))

		if _, err := data.append(encodeData(cand.timestamp, key, cand.val)); err != nil {
			return nil, fmt.Errorf("write key %q: %w", key, err)
		}
		if _, err := hint.append(encodeHint(cand.timestamp, key, uint32(off), uint32(required))); err != nil {
			return nil, fmt.Errorf("write hint for key %q: %w", key, err)
		}

		mergedIndex[key] = Entry{
			Size:      uint32(required),
			Offset:    off,
			Timestamp: cand.timestamp,
		}
	}

	if err := data.sync(); err != nil {
		return nil, fmt.Errorf("sync %s: %w", data.basename(), err)
	}
	if err := hint.sync(); err != nil {
		return nil, fmt.Errorf("sync %s: %w", hint.basename(), err)
	}

	return mergedIndex, nil
}

// publish moves the compacted pair into the main directory, drops the
// superseded segments and swings the key directory, all under the
// engine lock so no read can land between the swap and the deletes.
// Entries re-point only while their timestamp still matches, which
// preserves any put that completed during the rewrite.
func (db *DB) publish(tmpDir string, mergeID int, mergeable []*segment, mergedIndex map[string]Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	dataName := segmentName(mergeID, dataSuffix)
	hintName := segmentName(mergeID, hintSuffix)

	if err := os.Rename(filepath.Join(tmpDir, dataName), filepath.Join(db.dir, dataName)); err != nil {
		return fmt.Errorf("publish %s: %w", dataName, err)
	}
	if err := os.Rename(filepath.Join(tmpDir, hintName), filepath.Join(db.dir, hintName)); err != nil {
		return fmt.Errorf("publish %s: %w", hintName, err)
	}

	for _, seg := range mergeable {
		if err := seg.close(); err != nil {
			db.log.Warnw("close merged segment", "segment", seg.basename(), "error", err)
		}
		if seg.id == mergeID {
			// replaced in place by the rename just above
			continue
		}
		delete(db.readFiles, seg.basename())
		if err := os.Remove(seg.path); err != nil {
			db.log.Warnw("remove merged segment", "segment", seg.basename(), "error", err)
		}
		if err := os.Remove(filepath.Join(db.dir, segmentName(seg.id, hintSuffix))); err != nil {
			db.log.Warnw("remove merged hint", "segment", seg.id, "error", err)
		}
	}

	merged, err := openSegment(db.dir, mergeID, dataSuffix)
	if err != nil {
		return err
	}
	db.readFiles[merged.basename()] = merged

	replaced := mapset.NewSet[string]()
	for _, seg := range mergeable {
		replaced.Add(seg.basename())
	}
	db.keydir.mergeIndex(mergedIndex, merged.basename(), replaced)

	db.metrics.segmentCount.Set(float64(len(db.readFiles)))
	return nil
}
