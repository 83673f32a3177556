package core

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Segment files live flat in one directory, named <id>.data and
// <id>.hint with a monotonically increasing integer id. Listing is
// always in numeric id order, so 10.data sorts after 9.data.

const (
	dataSuffix = ".data"
	hintSuffix = ".hint"
)

var ErrMissingHint = fmt.Errorf("data segment without hint file")

func segmentName(id int, suffix string) string {
	return strconv.Itoa(id) + suffix
}

// parseSegmentID extracts the integer id from a segment base name.
func parseSegmentID(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, dataSuffix)
	if !ok {
		if base, ok = strings.CutSuffix(name, hintSuffix); !ok {
			return 0, false
		}
	}
	id, err := strconv.Atoi(base)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// listSegmentIDs returns the ids of all segments in dir carrying the
// given suffix, sorted numerically.
func listSegmentIDs(dir, suffix string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var ids []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		if id, ok := parseSegmentID(name); ok {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)
	return ids, nil
}

// checkHintCoverage validates the data/hint pairing found on startup.
// A data segment without a hint file is tolerated only for the
// highest-id (tail) segment, which can be rebuilt by scanning its data
// file; anywhere else it means an external process damaged the
// directory and the engine refuses to start. Orphaned hint files are
// reported back for logging, they are harmless.
func checkHintCoverage(dataIDs, hintIDs []int) (orphans []int, err error) {
	dataSet := mapset.NewSet(dataIDs...)
	hintSet := mapset.NewSet(hintIDs...)

	if missing := dataSet.Difference(hintSet); missing.Cardinality() != 0 {
		tail := slices.Max(dataIDs)
		for _, id := range missing.ToSlice() {
			if id != tail {
				return nil, fmt.Errorf("%w: %s", ErrMissingHint, segmentName(id, dataSuffix))
			}
		}
	}

	orphans = hintSet.Difference(dataSet).ToSlice()
	slices.Sort(orphans)
	return orphans, nil
}

// createFileDurable creates path for appending and fsyncs both the
// file and its directory so the directory entry is committed to disk.
func createFileDurable(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	dfd, err := os.Open(filepath.Dir(path))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	defer dfd.Close() // nolint:errcheck

	if err := dfd.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}
