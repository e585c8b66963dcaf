package microtetherdb

import "go.uber.org/zap"

// Defaults per spec.md §6's configuration knob table.
const (
	DefaultRAMPercentage     = 25
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 0.1
	DefaultLockTimeoutSec    = 5.0
	DefaultCleanupInterval   = 3600
	DefaultTTLCheckInterval  = 10
	DefaultBTreeCacheSize    = 32
	DefaultBTreePageSize     = 512
	DefaultAdaptiveThresh    = true
	DefaultMinCompressSize   = 256

	// MaxDocumentSize is the 8 KiB encoded-document ceiling (spec.md §3).
	MaxDocumentSize = 8 * 1024
)

// Options configures a Store. Use the With* functions with Open; fields
// no option sets keep the documented defaults. A zero or negative
// RAMPercentage, CleanupInterval, TTLCheckInterval, BTreeCacheSize or
// BTreePageSize also falls back to its default; other fields are used as
// given.
type Options struct {
	Filename          string
	InMemory          bool
	RAMPercentage     int
	MaxRetries        int
	RetryDelaySeconds float64
	LockTimeoutSec    float64
	CleanupInterval   int
	TTLCheckInterval  int
	BTreeCacheSize    int
	BTreePageSize     int
	AdaptiveThreshold bool
	Compression       bool
	MinCompressSize   int
	Logger            *zap.Logger
}

// Option mutates an Options value being built up by Open.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		InMemory:          true,
		RAMPercentage:     DefaultRAMPercentage,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
		LockTimeoutSec:    DefaultLockTimeoutSec,
		CleanupInterval:   DefaultCleanupInterval,
		TTLCheckInterval:  DefaultTTLCheckInterval,
		BTreeCacheSize:    DefaultBTreeCacheSize,
		BTreePageSize:     DefaultBTreePageSize,
		AdaptiveThreshold: DefaultAdaptiveThresh,
		Compression:       true,
		MinCompressSize:   DefaultMinCompressSize,
		Logger:            zap.NewNop(),
	}
}

// WithFilename sets the backing file path. Implies a file backing unless
// WithInMemory(true) is given after it.
func WithFilename(path string) Option {
	return func(o *Options) {
		o.Filename = path
		o.InMemory = false
	}
}

// WithInMemory selects MemoryBacking (true) or FileBacking (false).
func WithInMemory(v bool) Option {
	return func(o *Options) { o.InMemory = v }
}

// WithRAMPercentage sets the initial MemoryBacking size as a percentage
// of reported system memory.
func WithRAMPercentage(pct int) Option {
	return func(o *Options) { o.RAMPercentage = pct }
}

// WithMaxRetries sets the retry count for transient backing IO failures.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithRetryDelay sets the backoff, in seconds, between IO retries.
func WithRetryDelay(seconds float64) Option {
	return func(o *Options) { o.RetryDelaySeconds = seconds }
}

// WithLockTimeout sets how long, in seconds, the worker waits for a
// shared read lease to drain before failing a mutation with
// ErrLockTimeout.
func WithLockTimeout(seconds float64) Option {
	return func(o *Options) { o.LockTimeoutSec = seconds }
}

// WithCleanupInterval sets the cadence, in seconds, of the full-scan TTL
// reconciliation fallback.
func WithCleanupInterval(seconds int) Option {
	return func(o *Options) { o.CleanupInterval = seconds }
}

// WithTTLCheckInterval sets the cadence, in seconds, of TTL-heap sweeps.
func WithTTLCheckInterval(seconds int) Option {
	return func(o *Options) { o.TTLCheckInterval = seconds }
}

// WithBTreeCacheSize sets the BTree Layer's page cache size, in pages.
func WithBTreeCacheSize(pages int) Option {
	return func(o *Options) { o.BTreeCacheSize = pages }
}

// WithBTreePageSize sets the BTree Layer's page size, in bytes.
func WithBTreePageSize(bytes int) Option {
	return func(o *Options) { o.BTreePageSize = bytes }
}

// WithAdaptiveThreshold enables or disables the operation-count-scaled
// flush threshold ladder; disabled uses a fixed threshold of 10.
func WithAdaptiveThreshold(v bool) Option {
	return func(o *Options) { o.AdaptiveThreshold = v }
}

// WithCompression enables or disables snappy compression of encoded
// documents at or above the compression floor (see WithMinCompressSize).
func WithCompression(v bool) Option {
	return func(o *Options) { o.Compression = v }
}

// WithMinCompressSize sets the minimum encoded-document size, in bytes,
// below which compression is skipped even if enabled.
func WithMinCompressSize(bytes int) Option {
	return func(o *Options) { o.MinCompressSize = bytes }
}

// WithLogger sets the structured logger used for worker lifecycle,
// flush, and retry diagnostics. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
