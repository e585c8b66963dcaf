package microtetherdb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// flushThreshold picks the flush-ladder step for the given lifetime
// operation count (spec.md §4.6 / §9, resolving the source's ambiguous
// adaptive branches in favor of the lifetime-count ladder).
func flushThreshold(adaptive bool, opsLifetime uint64) int {
	if !adaptive {
		return 10
	}
	switch {
	case opsLifetime < 100:
		return 10
	case opsLifetime < 1000:
		return 15
	default:
		return 20
	}
}

// worker is the single goroutine that serialises every mutation against
// the BTree Layer, drives adaptive flushing, and runs the periodic TTL
// sweep. It is the Go rendition of spec.md §4.6's cooperative Worker:
// one goroutine, one operation applied to quiescence at a time.
type worker struct {
	opts Options
	log  *zap.Logger

	tree    *BTreeLayer
	ttl     *TTLIndex
	keygen  *keyGenerator
	lease   leaseLock

	queue chan *operation
	stop  chan struct{}
	done  chan struct{}

	closed        atomic.Bool
	opsLifetime   atomic.Uint64
	opsSinceFlush int // worker-goroutine-only, no lock needed
	dirty         bool
	lastFlush     time.Time
	lastCleanup   time.Time

	closeOnce sync.Once
}

const operationQueueDepth = 256

func newWorker(opts Options, tree *BTreeLayer, ttl *TTLIndex) *worker {
	w := &worker{
		opts:      opts,
		log:       opts.Logger,
		tree:      tree,
		ttl:       ttl,
		keygen:    newKeyGenerator(),
		queue:     make(chan *operation, operationQueueDepth),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lastFlush: time.Now(),
	}
	go w.run()
	return w
}

func (w *worker) autoFlushInterval() time.Duration {
	if w.opts.InMemory {
		return 10 * time.Second
	}
	return 5 * time.Second
}

func (w *worker) ttlCheckInterval() time.Duration {
	secs := w.opts.TTLCheckInterval
	if secs <= 0 {
		secs = DefaultTTLCheckInterval
	}
	return time.Duration(secs) * time.Second
}

func (w *worker) cleanupInterval() time.Duration {
	secs := w.opts.CleanupInterval
	if secs <= 0 {
		secs = DefaultCleanupInterval
	}
	return time.Duration(secs) * time.Second
}

func (w *worker) run() {
	defer close(w.done)

	ttlTicker := time.NewTicker(w.ttlCheckInterval())
	defer ttlTicker.Stop()
	autoFlush := time.NewTicker(w.autoFlushInterval())
	defer autoFlush.Stop()

	for {
		select {
		case <-w.stop:
			w.drainQueue()
			w.finalFlush()
			return

		case op := <-w.queue:
			w.handle(op)

		case <-ttlTicker.C:
			timeout := time.Duration(w.opts.LockTimeoutSec * float64(time.Second))
			if !w.lease.LockExclusive(timeout) {
				w.log.Warn("ttl sweep skipped: read leases did not drain")
				continue
			}
			if _, err := w.sweep(); err != nil {
				w.log.Warn("ttl sweep failed", zap.Error(err))
			}
			w.lease.UnlockExclusive()

		case <-autoFlush.C:
			if w.dirty {
				w.flushNow()
			}
		}
	}
}

// drainQueue applies every operation already enqueued before Close was
// called, refusing nothing it already accepted.
func (w *worker) drainQueue() {
	for {
		select {
		case op := <-w.queue:
			w.handle(op)
		default:
			return
		}
	}
}

func (w *worker) finalFlush() {
	if err := w.tree.Flush(); err != nil {
		w.log.Warn("final flush failed", zap.Error(err))
	}
}

// enqueue posts op to the worker queue. It fails fast with ErrClosed once
// Close has been called; otherwise it blocks if the queue is at
// capacity, which is the backpressure spec.md §5 asks implementations to
// apply.
func (w *worker) enqueue(op *operation) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.queue <- op:
		return nil
	case <-w.stop:
		return ErrClosed
	}
}

// submit enqueues op and blocks for its completion.
func (w *worker) submit(op *operation) result {
	op.completion = newCompletion()
	if err := w.enqueue(op); err != nil {
		return result{err: err}
	}
	r, err := op.completion.wait(op.deadline)
	if err != nil {
		return result{err: err}
	}
	return r
}

func (w *worker) handle(op *operation) {
	if !op.deadline.IsZero() && time.Now().After(op.deadline) {
		op.completion.resolve(result{err: ErrTimeout})
		return
	}

	timeout := time.Duration(w.opts.LockTimeoutSec * float64(time.Second))
	if !w.lease.LockExclusive(timeout) {
		op.completion.resolve(result{err: ErrLockTimeout})
		return
	}
	defer w.lease.UnlockExclusive()

	var r result
	switch op.kind {
	case opPut:
		r = w.applyPut(op.put)
	case opDelete:
		r = w.applyDelete(op.del)
	case opPurge:
		r = w.applyPurge()
	case opPutBatch:
		r = w.applyPutBatch(op.batchPut)
	case opDeleteBatch:
		r = w.applyDeleteBatch(op.batchDel)
	case opCleanup:
		r = w.applyCleanup()
	case opFlush:
		w.flushNow()
		r = result{}
	case opClose:
		r = result{}
	default:
		r = result{err: fmt.Errorf("microtetherdb: unknown operation kind %v", op.kind)}
	}

	if op.completion != nil {
		op.completion.resolve(r)
	}
}

// withRetry retries fn up to Options.MaxRetries times on ErrIO, sleeping
// Options.RetryDelaySeconds between attempts, per spec.md §7's
// propagation policy for transient backing failures.
func (w *worker) withRetry(fn func() error) error {
	var err error
	retries := w.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	delay := time.Duration(w.opts.RetryDelaySeconds * float64(time.Second))

	for attempt := 0; attempt <= retries; attempt++ {
		err = fn()
		if err == nil || !isIOErr(err) {
			return err
		}
		if attempt < retries {
			w.log.Debug("retrying after transient IO error",
				zap.Int("attempt", attempt+1), zap.Error(err))
			time.Sleep(delay)
		}
	}
	return err
}

func isIOErr(err error) bool {
	return err != nil && (err == ErrIO || wrapsErrIO(err))
}

func wrapsErrIO(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == ErrIO {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (w *worker) recordOp() {
	w.opsLifetime.Add(1)
	w.opsSinceFlush++
	w.dirty = true
}

func (w *worker) maybeFlush() {
	threshold := flushThreshold(w.opts.AdaptiveThreshold, w.opsLifetime.Load())
	if w.opsSinceFlush >= threshold {
		w.flushNow()
		return
	}
	if w.dirty && time.Since(w.lastFlush) >= w.autoFlushInterval() {
		w.flushNow()
	}
}

func (w *worker) flushNow() {
	if err := w.tree.Flush(); err != nil {
		w.log.Warn("flush failed", zap.Error(err))
		return
	}
	w.opsSinceFlush = 0
	w.dirty = false
	w.lastFlush = time.Now()
}

func (w *worker) applyPut(p putPayload) result {
	key := p.key
	if key == "" {
		for {
			key = w.keygen.next()
			if _, ok, _ := w.tree.Get(key); !ok {
				break
			}
		}
	} else if isReservedKey(key) {
		return result{err: ErrInvalidKey}
	}

	doc := withTags(p.value, p.tags)
	encoded, err := encodeDocument(doc, w.opts.Compression, w.opts.MinCompressSize)
	if err != nil {
		return result{err: err}
	}

	if err := w.withRetry(func() error { return w.tree.Put(key, encoded) }); err != nil {
		return result{err: err}
	}

	w.ttl.Cancel(key)
	if err := w.withRetry(func() error { _, err := w.tree.Delete(ttlSideKey(key)); return err }); err != nil {
		w.log.Debug("no prior TTL side entry to delete", zap.String("key", key))
	}

	if p.ttl > 0 {
		expiry := nowUnix() + p.ttl
		if err := w.withRetry(func() error { return w.tree.Put(ttlSideKey(key), encodeExpiry(expiry)) }); err != nil {
			return result{err: err}
		}
		w.ttl.Insert(key, expiry)
	}

	w.recordOp()
	w.maybeFlush()
	return result{key: key}
}

func (w *worker) applyDelete(p deletePayload) result {
	if isReservedKey(p.key) {
		return result{found: false}
	}

	existed, err := w.deleteKeyLocked(p.key)
	if err != nil {
		return result{err: err}
	}
	if existed {
		w.recordOp()
		w.maybeFlush()
	}
	return result{found: existed}
}

// deleteKeyLocked removes a record and its TTL side entry. Expects the
// exclusive lease to already be held by the caller.
func (w *worker) deleteKeyLocked(key string) (bool, error) {
	existed, err := w.tree.Delete(key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	w.ttl.Cancel(key)
	_, _ = w.tree.Delete(ttlSideKey(key)) // best-effort; absence is not an error
	return true, nil
}

func (w *worker) applyPurge() result {
	var keys []string
	_ = w.tree.Iter(Range{}, func(kv KV) (bool, error) {
		if !isReservedKey(kv.Key) {
			keys = append(keys, kv.Key)
		}
		return true, nil
	})

	count := 0
	for _, k := range keys {
		if existed, err := w.deleteKeyLocked(k); err == nil && existed {
			count++
		}
	}
	// Clear remaining TTL side entries directly; deleteKeyLocked already
	// removed the ones paired with a live record above.
	var ttlKeys []string
	_ = w.tree.Iter(PrefixRange(ttlKeyPrefix), func(kv KV) (bool, error) {
		ttlKeys = append(ttlKeys, kv.Key)
		return true, nil
	})
	for _, k := range ttlKeys {
		_, _ = w.tree.Delete(k)
	}

	w.ttl = NewTTLIndex()
	w.recordOp()
	w.flushNow()
	return result{count: count}
}

func (w *worker) applyPutBatch(p batchPutPayload) result {
	keys := make([]string, len(p.items))

	// spec.md invariant 4: all-or-nothing at the level of the reported
	// result. Apply eagerly, but only report keys if every item succeeds;
	// when an item fails, the items already applied are deleted again
	// before the error is reported.
	for i, item := range p.items {
		var ttl int64
		if i < len(p.ttls) {
			ttl = p.ttls[i]
		}
		r := w.applyPut(putPayload{value: item, ttl: ttl})
		if r.err != nil {
			for _, k := range keys[:i] {
				_, _ = w.deleteKeyLocked(k)
			}
			return result{err: r.err}
		}
		keys[i] = r.key
	}
	return result{keys: keys}
}

func (w *worker) applyDeleteBatch(p batchDeletePayload) result {
	count := 0
	for _, k := range p.keys {
		existed, err := w.deleteKeyLocked(k)
		if err != nil {
			continue
		}
		if existed {
			count++
		}
	}
	if count > 0 {
		w.recordOp()
		w.maybeFlush()
	}
	return result{count: count}
}

func (w *worker) applyCleanup() result {
	swept, err := w.sweep()
	if err != nil {
		return result{err: err}
	}

	if time.Since(w.lastCleanup) >= w.cleanupInterval() {
		extra, err := w.reconcileTTL()
		if err != nil {
			w.log.Warn("ttl reconciliation failed", zap.Error(err))
		}
		w.log.Debug("removed orphaned TTL side entries", zap.Int("count", extra))
		w.lastCleanup = time.Now()
	}

	return result{count: swept}
}

// sweep pops every expired key from the TTL index and deletes its record
// and side entry. Suspension point: spec.md §5 calls for a yield "inside
// cleanup() after each batch of expired keys" — this single pass is one
// such batch.
func (w *worker) sweep() (int, error) {
	now := nowUnix()
	swept := 0
	_, err := w.ttl.PopExpired(now, func(key string) error {
		if _, err := w.tree.Delete(key); err != nil {
			return err
		}
		_, _ = w.tree.Delete(ttlSideKey(key))
		swept++
		return nil
	})
	if swept > 0 {
		w.recordOp()
		w.flushNow()
	}
	return swept, err
}

// reconcileTTL is the cleanup_interval full-scan fallback (spec.md §9):
// it looks for TTL side entries with no corresponding live record (drift
// from, e.g., a crash between deleting a record and its side entry) and
// removes them. The TTL heap is kept consistent by construction on every
// mutation path, so this exists only to clean up storage drift, not to
// restore correctness.
func (w *worker) reconcileTTL() (int, error) {
	var stale []string
	err := w.tree.Iter(PrefixRange(ttlKeyPrefix), func(kv KV) (bool, error) {
		userKey := kv.Key[len(ttlKeyPrefix):]
		if _, ok, _ := w.tree.Get(userKey); !ok {
			stale = append(stale, kv.Key)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		_, _ = w.tree.Delete(k)
	}
	return len(stale), nil
}

func (w *worker) close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stop)
		<-w.done
	})
}
