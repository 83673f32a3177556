// Package core provides the core caskdb storage engine.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// On-disk record layout, format v1. All integers are little-endian.
//
//	data record: [4B crc32][4B timestamp][4B keyLen][4B valLen][key bytes][val bytes]
//	hint record: [4B timestamp][4B keyLen][4B entrySize][4B entryOffset][key bytes]
//
// The crc is CRC-32 (IEEE) over every byte after itself: the header
// remainder, the key and the value. Hint records carry no checksum
// because a hint file can always be discarded and rebuilt from its
// data file. entrySize is the full framed size of the data record
// including the header; entryOffset is its byte offset within the
// data file.

const hdrLen = 16

var (
	ErrCorruptRecord = errors.New("corrupt record")
	ErrNotWritable   = errors.New("segment not opened for writing")
	ErrNotReadable   = errors.New("segment not opened for reading")
)

// encodeData builds the full data frame for a key/value pair,
// computing the checksum last.
func encodeData(timestamp uint32, key, val string) []byte {
	buf := make([]byte, hdrLen+len(key)+len(val))

	sb := buf[4:] // shrinking buffer, crc filled in last

	binary.LittleEndian.PutUint32(sb, timestamp)
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(val)))
	sb = sb[4:]

	copy(sb, key)
	sb = sb[len(key):]

	copy(sb, val)

	binary.LittleEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// decodeDataHeader splits a 16-byte data header.
func decodeDataHeader(hdr []byte) (crc, timestamp, keyLen, valLen uint32, err error) {
	if len(hdr) < hdrLen {
		return 0, 0, 0, 0, fmt.Errorf("%w: data header is %d bytes, want %d",
			ErrCorruptRecord, len(hdr), hdrLen)
	}

	crc = binary.LittleEndian.Uint32(hdr[0:4])
	timestamp = binary.LittleEndian.Uint32(hdr[4:8])
	keyLen = binary.LittleEndian.Uint32(hdr[8:12])
	valLen = binary.LittleEndian.Uint32(hdr[12:16])
	return crc, timestamp, keyLen, valLen, nil
}

// verifyData recomputes the checksum over everything after the crc
// field and returns the key and value strings of a full data frame.
func verifyData(frame []byte) (key, val string, err error) {
	crc, _, keyLen, valLen, err := decodeDataHeader(frame)
	if err != nil {
		return "", "", err
	}

	if total := hdrLen + int(keyLen) + int(valLen); total != len(frame) {
		return "", "", fmt.Errorf("%w: frame is %d bytes, header says %d",
			ErrCorruptRecord, len(frame), total)
	}

	if computed := crc32.ChecksumIEEE(frame[4:]); computed != crc {
		return "", "", fmt.Errorf("%w: expected crc %08x, got %08x",
			ErrCorruptRecord, crc, computed)
	}

	return string(frame[hdrLen : hdrLen+keyLen]), string(frame[hdrLen+keyLen:]), nil
}

// encodeHint builds the full hint frame for a data record written at
// entryOffset with framed size entrySize.
func encodeHint(timestamp uint32, key string, entryOffset, entrySize uint32) []byte {
	buf := make([]byte, hdrLen+len(key))

	sb := buf

	binary.LittleEndian.PutUint32(sb, timestamp)
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, entrySize)
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, entryOffset)
	sb = sb[4:]

	copy(sb, key)
	return buf
}

// decodeHintHeader splits a 16-byte hint header.
func decodeHintHeader(hdr []byte) (timestamp, keyLen, entrySize, entryOffset uint32, err error) {
	if len(hdr) < hdrLen {
		return 0, 0, 0, 0, fmt.Errorf("%w: hint header is %d bytes, want %d",
			ErrCorruptRecord, len(hdr), hdrLen)
	}

	timestamp = binary.LittleEndian.Uint32(hdr[0:4])
	keyLen = binary.LittleEndian.Uint32(hdr[4:8])
	entrySize = binary.LittleEndian.Uint32(hdr[8:12])
	entryOffset = binary.LittleEndian.Uint32(hdr[12:16])
	return timestamp, keyLen, entrySize, entryOffset, nil
}
