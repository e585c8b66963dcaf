package microtetherdb

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the public façade: Open returns one, operations are called
// on it, and Close (typically via defer) drains the worker and releases
// the backing. Store is safe for concurrent use by multiple goroutines.
type Store struct {
	opts    Options
	backing Backing
	tree    *BTreeLayer
	worker  *worker

	closeOnce sync.Once
	closeErr  error
}

// Open constructs a Store per opts (see Options and the With* functions),
// scans any existing TTL side entries to rebuild the TTL index, sweeps
// anything already expired, and starts the background worker.
func Open(opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if !o.InMemory && o.Filename == "" {
		return nil, fmt.Errorf("microtetherdb: filename is required for file-based storage")
	}

	var backing Backing
	var err error
	if o.InMemory {
		backing = NewMemoryBacking(o.RAMPercentage)
	} else {
		backing, err = NewFileBacking(o.Filename)
		if err != nil {
			return nil, err
		}
	}

	tree, err := OpenBTreeLayer(backing, o.BTreePageSize, o.BTreeCacheSize, o.Logger)
	if err != nil {
		_ = backing.Close()
		return nil, err
	}

	ttlIndex, err := rebuildTTLIndex(tree)
	if err != nil {
		_ = tree.Close()
		return nil, err
	}
	if err := sweepExpiredOnOpen(tree, ttlIndex); err != nil {
		o.Logger.Warn("initial TTL sweep failed", zap.Error(err))
	}

	s := &Store{
		opts:    o,
		backing: backing,
		tree:    tree,
		worker:  newWorker(o, tree, ttlIndex),
	}
	return s, nil
}

// rebuildTTLIndex scans every TTL side entry and reinserts it into a
// fresh TTLIndex, per spec.md invariant 1 ("on open, the Heap is rebuilt
// by scanning TTL side entries").
func rebuildTTLIndex(tree *BTreeLayer) (*TTLIndex, error) {
	idx := NewTTLIndex()
	err := tree.Iter(PrefixRange(ttlKeyPrefix), func(kv KV) (bool, error) {
		expiry, err := decodeExpiry(kv.Value)
		if err != nil {
			return false, err
		}
		userKey := kv.Key[len(ttlKeyPrefix):]
		idx.Insert(userKey, expiry)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// sweepExpiredOnOpen removes anything already expired before the worker
// starts, per spec.md §4.4 ("entries whose expiry is already past are
// swept immediately").
func sweepExpiredOnOpen(tree *BTreeLayer, idx *TTLIndex) error {
	now := nowUnix()
	_, err := idx.PopExpired(now, func(key string) error {
		if _, err := tree.Delete(key); err != nil {
			return err
		}
		_, _ = tree.Delete(ttlSideKey(key))
		return nil
	})
	return err
}

// Put stores value under an engine-generated key and returns it.
func (s *Store) Put(value Document, ttl time.Duration, tags ...string) (string, error) {
	return s.put("", value, ttl, tags)
}

// PutKey stores value under the caller-supplied key, overwriting any
// prior document (and cancelling its TTL) if key already exists.
func (s *Store) PutKey(key string, value Document, ttl time.Duration, tags ...string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	return s.put(key, value, ttl, tags)
}

func (s *Store) put(key string, value Document, ttl time.Duration, tags []string) (string, error) {
	r := s.worker.submit(&operation{
		kind: opPut,
		put: putPayload{
			key:   key,
			value: value,
			ttl:   int64(ttl / time.Second),
			tags:  tags,
		},
	})
	if r.err != nil {
		return "", r.err
	}
	return r.key, nil
}

// Get returns the live document stored under key, or (nil, false) if
// absent or expired-but-not-yet-swept.
func (s *Store) Get(key string) (Document, bool, error) {
	s.worker.lease.RLock()
	defer s.worker.lease.RUnlock()

	raw, ok, err := s.tree.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if s.isExpiredUnswept(key) {
		return nil, false, nil
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *Store) isExpiredUnswept(key string) bool {
	raw, ok, err := s.tree.Get(ttlSideKey(key))
	if err != nil || !ok {
		return false
	}
	expiry, err := decodeExpiry(raw)
	if err != nil {
		return false
	}
	return expiry <= nowUnix()
}

// Delete removes key, returning whether a live record existed.
// TTL-expired-but-unswept records are treated as already gone.
func (s *Store) Delete(key string) (bool, error) {
	if s.isExpiredUnswept(key) {
		return false, nil
	}
	r := s.worker.submit(&operation{kind: opDelete, del: deletePayload{key: key}})
	return r.found, r.err
}

// Purge removes every record and clears all TTL state.
func (s *Store) Purge() error {
	r := s.worker.submit(&operation{kind: opPurge})
	return r.err
}

// PutBatch stores every item, either all under engine-generated keys
// (applying a shared ttl, or per-item ttls if len(ttls) == len(items)) or
// fails the whole batch with no partial keys surfaced, per spec.md
// invariant 4.
func (s *Store) PutBatch(items []Document, ttls ...time.Duration) ([]string, error) {
	secs := make([]int64, len(items))
	switch len(ttls) {
	case 0:
		// no TTL
	case 1:
		for i := range secs {
			secs[i] = int64(ttls[0] / time.Second)
		}
	default:
		if len(ttls) != len(items) {
			return nil, fmt.Errorf("microtetherdb: ttls must have length 0, 1, or len(items)")
		}
		for i, t := range ttls {
			secs[i] = int64(t / time.Second)
		}
	}

	r := s.worker.submit(&operation{
		kind:     opPutBatch,
		batchPut: batchPutPayload{items: items, ttls: secs},
	})
	if r.err != nil {
		return nil, r.err
	}
	return r.keys, nil
}

// DeleteBatch removes every key in keys, returning the count actually
// removed.
func (s *Store) DeleteBatch(keys []string) (int, error) {
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		if !s.isExpiredUnswept(k) {
			live = append(live, k)
		}
	}
	r := s.worker.submit(&operation{kind: opDeleteBatch, batchDel: batchDeletePayload{keys: live}})
	return r.count, r.err
}

// Query evaluates predicate against every live document, in BTree key
// order, honoring a top-level $limit.
func (s *Store) Query(predicate Document) ([]Document, error) {
	s.worker.lease.RLock()
	defer s.worker.lease.RUnlock()

	limit := -1
	if lv, ok := predicate[LimitField]; ok {
		if n, ok := toFloat(lv); ok && n > 0 {
			limit = int(n)
		}
	}

	var out []Document
	now := nowUnix()
	err := s.tree.Iter(Range{}, func(kv KV) (bool, error) {
		if isReservedKey(kv.Key) {
			return true, nil
		}

		doc, err := decodeDocument(kv.Value)
		if err != nil {
			return true, nil // skip unreadable records rather than failing the whole query
		}

		if s.docExpired(kv.Key, now) {
			return true, nil
		}

		matched, err := evaluatePredicate(doc, predicate)
		if err != nil {
			return false, err
		}
		if matched {
			out = append(out, doc)
			if limit >= 0 && len(out) >= limit {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) docExpired(key string, now int64) bool {
	raw, ok, err := s.tree.Get(ttlSideKey(key))
	if err != nil || !ok {
		return false
	}
	expiry, err := decodeExpiry(raw)
	if err != nil {
		return false
	}
	return expiry <= now
}

// Cleanup drives one TTL sweep synchronously and returns the count of
// records removed. It also runs the cleanup_interval full-scan
// reconciliation fallback when that interval has elapsed (spec.md §9).
func (s *Store) Cleanup() (int, error) {
	r := s.worker.submit(&operation{kind: opCleanup})
	return r.count, r.err
}

// Flush forces a durability barrier. Every mutating operation may
// trigger one anyway per the adaptive flush ladder; Flush is for callers
// that need a barrier on demand.
func (s *Store) Flush() error {
	r := s.worker.submit(&operation{kind: opFlush})
	return r.err
}

// Close drains the worker queue, performs a final flush, stops the
// worker, and releases the backing. Close is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.worker.close()
		s.closeErr = s.tree.Close()
	})
	return s.closeErr
}
