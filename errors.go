package microtetherdb

import "errors"

// Error taxonomy for the storage engine. Transient ErrIO is retried
// internally by the worker up to Options.MaxRetries; everything else
// surfaces to the caller immediately.
var (
	// ErrTooLarge is returned when an encoded document exceeds MaxDocumentSize.
	ErrTooLarge = errors.New("microtetherdb: encoded document exceeds size ceiling")

	// ErrInvalidKey is returned for an empty key or one that begins with
	// the reserved TTL side-entry prefix.
	ErrInvalidKey = errors.New("microtetherdb: invalid key")

	// ErrNotFound names a missing key. No lookup in this package returns
	// it: Get reports absence as a nil document plus false, and Query
	// simply omits the document.
	ErrNotFound = errors.New("microtetherdb: key not found")

	// ErrIO wraps an unrecoverable backing read/write failure.
	ErrIO = errors.New("microtetherdb: backing I/O failure")

	// ErrTimeout is returned when an Operation's deadline passed before
	// the worker dequeued it.
	ErrTimeout = errors.New("microtetherdb: operation deadline exceeded")

	// ErrLockTimeout is returned when the worker waited longer than
	// Options.LockTimeout for a read lease to drain.
	ErrLockTimeout = errors.New("microtetherdb: timed out waiting for lock")

	// ErrClosed is returned for any operation enqueued after Close.
	ErrClosed = errors.New("microtetherdb: store is closed")

	// ErrEncoding is returned when a value cannot be represented in the
	// document model (not JSON-compatible).
	ErrEncoding = errors.New("microtetherdb: value is not encodable")

	// ErrCorrupt is returned by Open when the backing contains a
	// structurally invalid TTL side entry, and by Get when a stored record
	// cannot be decoded. A short or damaged tail of the B-tree log is not
	// reported; replay stops there. There is no automatic repair.
	ErrCorrupt = errors.New("microtetherdb: backing is corrupt")
)
