// Package microtetherdb is an embedded, document-style key-value store for
// resource-constrained, single-process programs.
//
// The store keeps JSON-serialisable documents under string keys, with
// optional per-document time-to-live expiry, tag and MongoDB-style
// predicate queries, and a choice of two backings: a volatile in-memory
// arena or a file-backed B-tree. All mutations are serialised through a
// single worker goroutine so the on-storage layout never observes a
// partially-applied write.
//
// # Disk layout
//
// A file backing holds one B-tree whose key space is partitioned by
// prefix:
//
//	<user key>                 -> encoded document
//	0xFF "ttl:" <user key>     -> big-endian uint64 expiry (unix seconds)
//
// User keys may never begin with the reserved prefix; PutKey rejects them
// with ErrInvalidKey.
//
// # Concurrency
//
// Store is safe for concurrent use by multiple goroutines. Reads and
// queries take a shared lease against the worker; mutations are enqueued
// as Operations and applied one at a time, in enqueue order per caller.
package microtetherdb
