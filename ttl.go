package microtetherdb

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"time"
)

// ttlKeyPrefix is the reserved byte that, followed by "ttl:", begins
// every TTL side-entry key. User keys beginning with this byte are
// rejected with ErrInvalidKey so the two namespaces never collide
// (spec.md §6, §9).
const ttlKeyPrefix = "\xffttl:"

func ttlSideKey(key string) string {
	return ttlKeyPrefix + key
}

func isReservedKey(key string) bool {
	return len(key) >= 1 && key[0] == 0xff
}

// heapEntry is one (expiry, key) pair held in the TTL min-heap.
type heapEntry struct {
	expiry int64
	key    string
}

type ttlHeap []heapEntry

func (h ttlHeap) Len() int            { return len(h) }
func (h ttlHeap) Less(i, j int) bool  { return h[i].expiry < h[j].expiry }
func (h ttlHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ttlHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// compactDeadFraction is the dead-entry fraction (spec.md §9, "e.g.
// 50%") above which the heap is rebuilt to drop logically-cancelled
// entries.
const compactDeadFraction = 0.5

// TTLIndex is an in-memory min-heap of (expiry, key) pairs, ordered by
// expiry ascending, with O(1) logical cancellation via a liveness set.
// It is the sole in-process structure the cleanup sweep consults; TTL
// side entries on the Backing exist only so the heap can be rebuilt
// after a restart.
type TTLIndex struct {
	heap  ttlHeap
	live  map[string]int64 // key -> the expiry currently considered live
	dead  int              // count of heap entries known stale
}

// NewTTLIndex returns an empty TTLIndex.
func NewTTLIndex() *TTLIndex {
	return &TTLIndex{
		live: make(map[string]int64),
	}
}

// Insert records key as expiring at expiry, replacing any prior live TTL
// for key. The prior heap entry, if any, becomes a dead entry skipped on
// pop rather than being removed immediately (spec.md §4.4).
func (idx *TTLIndex) Insert(key string, expiry int64) {
	if _, had := idx.live[key]; had {
		idx.dead++
	}
	idx.live[key] = expiry
	heap.Push(&idx.heap, heapEntry{expiry: expiry, key: key})
	idx.maybeCompact()
}

// Cancel logically removes key's TTL. The physical heap entry is left in
// place and skipped on pop.
func (idx *TTLIndex) Cancel(key string) {
	if _, had := idx.live[key]; had {
		delete(idx.live, key)
		idx.dead++
	}
}

// PopExpired repeatedly examines the heap root, popping and yielding
// (via fn) every key whose heap entry is both at-or-past now and still
// the key's live entry. It never yields a live (non-expired) key.
func (idx *TTLIndex) PopExpired(now int64, fn func(key string) error) (int, error) {
	count := 0
	for idx.heap.Len() > 0 && idx.heap[0].expiry <= now {
		top := heap.Pop(&idx.heap).(heapEntry)

		liveExpiry, ok := idx.live[top.key]
		if !ok || liveExpiry != top.expiry {
			// Dead entry: either cancelled, or superseded by a later
			// Insert for the same key. It was counted in idx.dead when
			// it went stale; popping it off the heap now retires that
			// count.
			if idx.dead > 0 {
				idx.dead--
			}
			continue
		}

		delete(idx.live, top.key)
		if err := fn(top.key); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// maybeCompact rebuilds the heap, dropping dead entries, once they
// exceed compactDeadFraction of the total.
func (idx *TTLIndex) maybeCompact() {
	total := idx.heap.Len()
	if total == 0 || float64(idx.dead)/float64(total) <= compactDeadFraction {
		return
	}

	fresh := make(ttlHeap, 0, len(idx.live))
	for key, expiry := range idx.live {
		fresh = append(fresh, heapEntry{expiry: expiry, key: key})
	}
	heap.Init(&fresh)
	idx.heap = fresh
	idx.dead = 0
}

// Len returns the number of live (non-dead) entries in the index.
func (idx *TTLIndex) Len() int {
	return len(idx.live)
}

// Snapshot returns every live (expiry, key) pair, for testing and for
// the full-scan reconciliation fallback.
func (idx *TTLIndex) Snapshot() []heapEntry {
	out := make([]heapEntry, 0, len(idx.live))
	for key, expiry := range idx.live {
		out = append(out, heapEntry{expiry: expiry, key: key})
	}
	return out
}

// encodeExpiry renders an expiry (unix seconds) as the fixed-size
// big-endian uint64 stored in a TTL side entry.
func encodeExpiry(expiry int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(expiry))
	return b
}

func decodeExpiry(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: TTL side entry has wrong length %d", ErrCorrupt, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func nowUnix() int64 {
	return time.Now().Unix()
}
