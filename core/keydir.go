package core

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zeebo/xxh3"
)

// Entry locates the most recent record for a key. It names the data
// segment by base name rather than holding the segment handle; the
// engine resolves the name through its read-file table, which makes
// merge publication a plain table swap with no ownership cycles.
type Entry struct {
	Segment   string // data segment base name
	Size      uint32 // full framed record size including header
	Offset    int64  // record offset within the segment
	Timestamp uint32
}

const (
	numShards = 256 // power of 2 for mask-based shard selection
	shardMask = numShards - 1
)

type keyDirShard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// keyDir is the in-memory mapping from key to record location. It is
// sharded so concurrent service workers don't serialize on one lock;
// every operation on a single key is still fully serialized by its
// shard.
type keyDir struct {
	shards [numShards]*keyDirShard
}

func newKeyDir() *keyDir {
	kd := &keyDir{}
	for i := range kd.shards {
		kd.shards[i] = &keyDirShard{entries: make(map[string]Entry)}
	}
	return kd
}

func (kd *keyDir) shard(key string) *keyDirShard {
	return kd.shards[xxh3.HashString(key)&shardMask]
}

func (kd *keyDir) add(key string, e Entry) {
	sh := kd.shard(key)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
}

func (kd *keyDir) get(key string) (Entry, bool) {
	sh := kd.shard(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	return e, ok
}

func (kd *keyDir) delete(key string) bool {
	sh := kd.shard(key)
	sh.mu.Lock()
	_, ok := sh.entries[key]
	delete(sh.entries, key)
	sh.mu.Unlock()
	return ok
}

func (kd *keyDir) len() int {
	var n int
	for _, sh := range kd.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// mergeIndex swings entries rewritten by a completed merge over to the
// compacted segment. An entry is re-pointed only while it still
// carries the timestamp the merge saw and still lives in one of the
// replaced input segments: a put that landed while the merge was
// running sits in the active segment, which is never an input, so it
// is left alone even when its second-resolution timestamp collides
// with the merged record's.
func (kd *keyDir) mergeIndex(newEntries map[string]Entry, newSegment string, replaced mapset.Set[string]) {
	for key, merged := range newEntries {
		sh := kd.shard(key)
		sh.mu.Lock()
		cur, ok := sh.entries[key]
		if ok && cur.Timestamp == merged.Timestamp && replaced.Contains(cur.Segment) {
			sh.entries[key] = Entry{
				Segment:   newSegment,
				Size:      merged.Size,
				Offset:    merged.Offset,
				Timestamp: merged.Timestamp,
			}
		}
		sh.mu.Unlock()
	}
}
