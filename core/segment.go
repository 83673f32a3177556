package core

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// segment is a single on-disk append-only file, either a data file or
// a hint file. A segment is opened in exactly one of two modes: writer
// (appendable, tracks its write offset) or reader (positional read and
// full scan). The active data file doubles as its own read source, so
// positional reads are allowed in both modes.
type segment struct {
	id       int
	path     string
	file     *os.File
	writable bool
	fsync    bool
	fsyncDur prometheus.Observer // nil when metrics are not registered

	mu   sync.Mutex // serializes appends to this file handle
	size int64      // cached write offset; total file size in reader mode
}

// createSegment creates a fresh writer-mode segment, fsyncing the file
// and its directory so the entry survives a crash.
func createSegment(dir string, id int, suffix string, fsync bool) (*segment, error) {
	path := filepath.Join(dir, segmentName(id, suffix))

	f, err := createFileDurable(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file %q: %w", path, err)
	}

	return &segment{id: id, path: path, file: f, writable: true, fsync: fsync}, nil
}

// openSegment opens an existing segment read-only. It fails if the
// file does not exist.
func openSegment(dir string, id int, suffix string) (*segment, error) {
	path := filepath.Join(dir, segmentName(id, suffix))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment file %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment file %q: %w", path, err)
	}

	return &segment{id: id, path: path, file: f, size: info.Size()}, nil
}

func (s *segment) basename() string {
	return filepath.Base(s.path)
}

// append writes a fully framed record at the tail of the segment and
// returns the number of bytes written. When the fsync policy is on,
// the file descriptor is synced before append returns; that is the
// durability boundary.
func (s *segment) append(frame []byte) (int64, error) {
	if !s.writable {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, s.basename())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file.Write(frame)
	if err != nil {
		return int64(n), fmt.Errorf("append to %s: %w", s.basename(), err)
	}
	s.size += int64(n)

	if s.fsync {
		start := time.Now()
		if err := s.file.Sync(); err != nil {
			return int64(n), fmt.Errorf("sync %s: %w", s.basename(), err)
		}
		if s.fsyncDur != nil {
			s.fsyncDur.Observe(time.Since(start).Seconds())
		}
	}

	return int64(n), nil
}

// currentSize returns the logical size of the segment.
func (s *segment) currentSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// readAt reads size bytes starting at off. Positional reads go through
// ReadAt and are safe regardless of mode or concurrent appends.
func (s *segment) readAt(off int64, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read %d bytes at %d from %s: %w", size, off, s.basename(), err)
	}
	return buf, nil
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

// scanData returns a scanner over every data record in physical order.
// Only reader-mode segments may be scanned; the active writer is read
// through the key directory instead.
func (s *segment) scanData() (*dataScanner, error) {
	if s.writable {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, s.basename())
	}
	return newDataScanner(s.file), nil
}

// scanHints returns a scanner over every hint record in physical order.
func (s *segment) scanHints() (*hintScanner, error) {
	if s.writable {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, s.basename())
	}
	return newHintScanner(s.file), nil
}

// isEOF reports whether err marks the end of a file, including a
// partially written tail record.
func isEOF(err error) bool {
	return err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)
}

// dataRecord is one scanned entry of a data file.
type dataRecord struct {
	key       string
	val       string
	entrySize uint32
	off       int64 // start offset of the record within the file
	timestamp uint32
}

// dataScanner is a buffered data-file reader. It verifies the checksum
// of every record and stops silently at a partially written tail: a
// partial record only means the process died mid-append before the
// write was acknowledged, while a mid-file checksum mismatch is real
// corruption and surfaces as ErrCorruptRecord.
type dataScanner struct {
	reader *bufio.Reader
	record *dataRecord // current record, valid after scan returns true
	end    int64       // end offset of the current record
	err    error
}

func newDataScanner(r io.ReaderAt) *dataScanner {
	const maxint64 = 1<<63 - 1

	// SectionReader so the scan never moves the file handle's offset
	// and the same file can be scanned repeatedly.
	sr := io.NewSectionReader(r, 0, maxint64)
	return &dataScanner{reader: bufio.NewReader(sr)}
}

func (ds *dataScanner) scan() bool {
	if ds.err != nil {
		return false
	}
	ds.record = nil

	var hdr [hdrLen]byte
	if _, err := io.ReadFull(ds.reader, hdr[:]); err != nil {
		if !isEOF(err) {
			ds.err = fmt.Errorf("read data header: %w", err)
		}
		return false
	}

	crc, timestamp, keyLen, valLen, err := decodeDataHeader(hdr[:])
	if err != nil {
		ds.err = err
		return false
	}

	total := hdrLen + int(keyLen) + int(valLen)
	buf := make([]byte, total)
	copy(buf, hdr[:])

	if _, err := io.ReadFull(ds.reader, buf[hdrLen:]); err != nil {
		if !isEOF(err) {
			ds.err = fmt.Errorf("read data record body: %w", err)
		}
		// EOF mid-record is a partial tail write, ignore it
		return false
	}

	if computed := crc32.ChecksumIEEE(buf[4:]); computed != crc {
		ds.err = fmt.Errorf("%w: expected crc %08x, got %08x at offset %d",
			ErrCorruptRecord, crc, computed, ds.end)
		return false
	}

	ds.record = &dataRecord{
		key:       string(buf[hdrLen : hdrLen+keyLen]),
		val:       string(buf[hdrLen+keyLen:]),
		entrySize: uint32(total),
		off:       ds.end,
		timestamp: timestamp,
	}
	ds.end += int64(total)
	return true
}

// hintRecord is one scanned entry of a hint file.
type hintRecord struct {
	key         string
	entrySize   uint32
	entryOffset uint32
	timestamp   uint32
}

// hintScanner reads hint records in physical order. Hints carry no
// checksum; a partial tail record is ignored the same way data
// scanning ignores it, which keeps the hint a (possibly lagging)
// prefix index of its data file.
type hintScanner struct {
	reader *bufio.Reader
	record *hintRecord
	err    error
}

func newHintScanner(r io.ReaderAt) *hintScanner {
	const maxint64 = 1<<63 - 1

	sr := io.NewSectionReader(r, 0, maxint64)
	return &hintScanner{reader: bufio.NewReader(sr)}
}

func (hs *hintScanner) scan() bool {
	if hs.err != nil {
		return false
	}
	hs.record = nil

	var hdr [hdrLen]byte
	if _, err := io.ReadFull(hs.reader, hdr[:]); err != nil {
		if !isEOF(err) {
			hs.err = fmt.Errorf("read hint header: %w", err)
		}
		return false
	}

	timestamp, keyLen, entrySize, entryOffset, err := decodeHintHeader(hdr[:])
	if err != nil {
		hs.err = err
		return false
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hs.reader, key); err != nil {
		if !isEOF(err) {
			hs.err = fmt.Errorf("read hint key: %w", err)
		}
		return false
	}

	hs.record = &hintRecord{
		key:         string(key),
		entrySize:   entrySize,
		entryOffset: entryOffset,
		timestamp:   timestamp,
	}
	return true
}
