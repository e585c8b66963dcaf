package microtetherdb

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"
	"go.uber.org/zap"
)

// btreeItem is the google/btree element: an ordered key plus a pointer to
// where its current value lives in the backing's append log.
type btreeItem struct {
	key    string
	offset int64
	size   int32
}

func (a btreeItem) Less(b btreeItem) bool {
	return a.key < b.key
}

// entryHeaderSize is the fixed part of an on-backing log entry:
// 1 tombstone byte + 4-byte key length + 4-byte value length.
const entryHeaderSize = 1 + 4 + 4

// BTreeLayer is an ordered byte-string key to byte-string value map over
// a Backing. Values are held in an append-only log on the Backing; an
// in-memory google/btree index maps keys to their current log offset, so
// point lookups and ordered iteration never need to parse the whole log.
// A bloom filter over live keys lets Get/iteration-adjacent callers skip
// a tree descent entirely for a key that was never written.
type BTreeLayer struct {
	mu sync.RWMutex

	backing   Backing
	pageSize  int
	cacheSize int

	index    *btree.BTreeG[btreeItem]
	filter   *bloom.BloomFilter
	cache    *lruCache
	tailOff  int64 // next append offset
	liveN    int   // count of live (non-tombstone) entries in the log
	deadN    int   // count of superseded/tombstoned entries in the log
	log      *zap.Logger
}

// OpenBTreeLayer constructs a BTreeLayer over backing, replaying any
// existing log to rebuild the in-memory index (used both for the main
// record namespace and the TTL side-entry namespace, which share a
// backing and key space per spec.md §6).
func OpenBTreeLayer(backing Backing, pageSize, cacheSize int, log *zap.Logger) (*BTreeLayer, error) {
	if pageSize <= 0 {
		pageSize = DefaultBTreePageSize
	}
	if cacheSize <= 0 {
		cacheSize = DefaultBTreeCacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	t := &BTreeLayer{
		backing:   backing,
		pageSize:  pageSize,
		cacheSize: cacheSize,
		index:     btree.NewG[btreeItem](32, func(a, b btreeItem) bool { return a.key < b.key }),
		cache:     newLRUCache(cacheSize),
		log:       log,
	}

	size, err := backing.Size()
	if err != nil {
		return nil, fmt.Errorf("btree: %w", err)
	}

	estimate := uint(size/int64(pageSize) + 64)
	t.filter = bloom.NewWithEstimates(estimate, 0.01)

	if err := t.replay(size); err != nil {
		return nil, err
	}
	return t, nil
}

// replay scans the backing's append log from offset 0, rebuilding the
// index and bloom filter. A trailing short/corrupt record (possible if
// the process died mid-write, since durability is best-effort) is
// treated as the effective end of the log rather than a fatal error.
func (t *BTreeLayer) replay(size int64) error {
	var off int64
	for off < size {
		header, err := t.backing.ReadAt(off, entryHeaderSize)
		if err != nil {
			return fmt.Errorf("btree: replay header: %w", err)
		}
		if len(header) < entryHeaderSize {
			break // trailing partial write; stop here
		}

		tomb := header[0]
		keyLen := binary.BigEndian.Uint32(header[1:5])
		valLen := binary.BigEndian.Uint32(header[5:9])
		entrySize := int64(entryHeaderSize) + int64(keyLen) + int64(valLen)
		if off+entrySize > size {
			break // trailing partial write
		}

		body, err := t.backing.ReadAt(off+entryHeaderSize, int(keyLen)+int(valLen))
		if err != nil {
			return fmt.Errorf("btree: replay body: %w", err)
		}
		if len(body) < int(keyLen)+int(valLen) {
			break
		}
		key := string(body[:keyLen])

		if tomb == 1 {
			if _, ok := t.index.Delete(btreeItem{key: key}); ok {
				t.liveN--
				t.deadN += 2 // the superseded live entry, plus this tombstone record
			} else {
				t.deadN++ // stray tombstone for a key with no live entry
			}
		} else {
			if _, existed := t.index.ReplaceOrInsert(btreeItem{
				key:    key,
				offset: off + entryHeaderSize + int64(keyLen),
				size:   int32(valLen),
			}); existed {
				t.deadN++
			} else {
				t.liveN++
			}
			t.filter.AddString(key)
		}
		off += entrySize
	}
	t.tailOff = off
	return nil
}

func (t *BTreeLayer) append(tomb byte, key string, value []byte) (int64, error) {
	keyBytes := []byte(key)
	header := make([]byte, entryHeaderSize)
	header[0] = tomb
	binary.BigEndian.PutUint32(header[1:5], uint32(len(keyBytes)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(value)))

	entry := make([]byte, 0, len(header)+len(keyBytes)+len(value))
	entry = append(entry, header...)
	entry = append(entry, keyBytes...)
	entry = append(entry, value...)

	off := t.tailOff
	if err := t.backing.WriteAt(off, entry); err != nil {
		return 0, err
	}
	t.tailOff += int64(len(entry))
	return off, nil
}

// Get performs a point lookup, returning (value, true) if key is present.
func (t *BTreeLayer) Get(key string) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(key)
}

func (t *BTreeLayer) getLocked(key string) ([]byte, bool, error) {
	if !t.filter.TestString(key) {
		return nil, false, nil
	}
	if v, ok := t.cache.get(key); ok {
		return v, true, nil
	}

	item, ok := t.index.Get(btreeItem{key: key})
	if !ok {
		return nil, false, nil
	}

	v, err := t.backing.ReadAt(item.offset, int(item.size))
	if err != nil {
		return nil, false, fmt.Errorf("btree: get %q: %w", key, err)
	}
	t.cache.put(key, v)
	return v, true, nil
}

// Put inserts or overwrites key's value.
func (t *BTreeLayer) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	off, err := t.append(0, key, value)
	if err != nil {
		return fmt.Errorf("btree: put %q: %w", key, err)
	}

	if _, existed := t.index.ReplaceOrInsert(btreeItem{
		key:    key,
		offset: off + entryHeaderSize + int64(len(key)),
		size:   int32(len(value)),
	}); existed {
		t.deadN++
	} else {
		t.liveN++
	}
	t.filter.AddString(key)
	t.cache.put(key, value)
	return nil
}

// Delete removes key, returning whether it previously existed.
func (t *BTreeLayer) Delete(key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(key)
}

func (t *BTreeLayer) deleteLocked(key string) (bool, error) {
	if _, ok := t.index.Get(btreeItem{key: key}); !ok {
		return false, nil
	}

	if _, err := t.append(1, key, nil); err != nil {
		return false, fmt.Errorf("btree: delete %q: %w", key, err)
	}

	t.index.Delete(btreeItem{key: key})
	t.cache.remove(key)
	t.liveN--
	t.deadN += 2 // the superseded live entry, plus this tombstone record
	// Note: the bloom filter has no removal; a false positive here only
	// costs a wasted (and correctly-miss) tree lookup, never a wrong read.
	return true, nil
}

// Range is an inclusive-from, exclusive-to key range for Iter; either
// bound may be empty to mean "unbounded".
type Range struct {
	From string
	To   string
}

// PrefixRange returns a Range matching every key beginning with prefix.
func PrefixRange(prefix string) Range {
	return Range{From: prefix, To: prefixUpperBound(prefix)}
}

func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "" // all-0xFF prefix: unbounded upper
}

// KV is one key/value pair emitted by Iter.
type KV struct {
	Key   string
	Value []byte
}

// Iter calls fn for every key in r, in ascending key order, stopping
// early if fn returns false. It takes a read snapshot of the index under
// the shared lock, then reads each value under a separate short read
// lock, so it never holds the lock across fn or for longer than copying
// the matched key set or reading one value.
func (t *BTreeLayer) Iter(r Range, fn func(KV) (bool, error)) error {
	t.mu.RLock()
	keys := make([]string, 0)
	pivot := btreeItem{key: r.From}
	t.index.AscendGreaterOrEqual(pivot, func(it btreeItem) bool {
		if r.To != "" && it.key >= r.To {
			return false
		}
		keys = append(keys, it.key)
		return true
	})
	t.mu.RUnlock()

	for _, k := range keys {
		t.mu.RLock()
		v, ok, err := t.getLocked(k)
		t.mu.RUnlock()
		if err != nil {
			return err
		}
		if !ok {
			continue // deleted since the snapshot was taken
		}
		cont, err := fn(KV{Key: k, Value: v})
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// Len returns the number of live keys in the tree.
func (t *BTreeLayer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Len()
}

// Flush forces pending writes to reach the Backing, then compacts the
// append log if more than half of it is dead (superseded/tombstoned)
// space.
func (t *BTreeLayer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.backing.Flush(); err != nil {
		return err
	}

	total := t.liveN + t.deadN
	if total > 0 && t.deadN*2 > total {
		if err := t.compactLocked(); err != nil {
			t.log.Warn("btree compaction failed", zap.Error(err))
		}
	}
	return nil
}

// compactLocked rewrites the append log keeping only live entries,
// resetting dead-space accounting. Mirrors the teacher's SSTable
// compaction intent, simplified to a single always-current region since
// this layer has no levels.
func (t *BTreeLayer) compactLocked() error {
	type liveEntry struct {
		key   string
		value []byte
	}
	var entries []liveEntry
	var iterErr error
	t.index.Ascend(func(it btreeItem) bool {
		v, err := t.backing.ReadAt(it.offset, int(it.size))
		if err != nil {
			iterErr = err
			return false
		}
		entries = append(entries, liveEntry{key: it.key, value: v})
		return true
	})
	if iterErr != nil {
		return iterErr
	}

	if err := t.backing.Truncate(0); err != nil {
		return err
	}
	t.tailOff = 0
	t.index.Clear(false)

	for _, e := range entries {
		off, err := t.append(0, e.key, e.value)
		if err != nil {
			return err
		}
		t.index.ReplaceOrInsert(btreeItem{
			key:    e.key,
			offset: off + entryHeaderSize + int64(len(e.key)),
			size:   int32(len(e.value)),
		})
	}
	t.deadN = 0
	t.liveN = len(entries)
	return nil
}

// lruCache is a fixed-capacity decode cache of recently-read values,
// keyed by record key. Its capacity stands in for the BTree Layer's page
// cache (spec.md's "cache size in pages"): each cached value plays the
// role of a resident page.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []byte
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = DefaultBTreeCacheSize
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*lruEntry).key)
	}
}

func (c *lruCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Close releases the layer's backing.
func (t *BTreeLayer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backing.Close()
}
