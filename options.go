package caskdb

import "go.uber.org/zap"

// Option configures a Handle at Open time.
type Option func(*config)

type config struct {
	segmentSizeThreshold int64
	syncOnWrite          bool
	logger               *zap.Logger
}

func defaultConfig() config {
	return config{
		segmentSizeThreshold: 1 << 30, // 1 GiB
		syncOnWrite:          false,
		logger:               zap.NewNop(),
	}
}

// WithSegmentSizeThreshold sets the size, in bytes, at which the active
// segment is rolled and a new one started. The default is 1 GiB.
func WithSegmentSizeThreshold(n int64) Option {
	return func(c *config) { c.segmentSizeThreshold = n }
}

// WithSyncOnWrite makes every Put/Delete fsync its segment before
// returning, trading write throughput for a tighter durability window.
// The default is false: writes reach the kernel immediately, and the
// engine does not fsync the active segment on its own.
func WithSyncOnWrite(b bool) Option {
	return func(c *config) { c.syncOnWrite = b }
}

// WithLogger sets the logger used for replay diagnostics (crash-torn tail
// truncation), segment rolls, failed Get reads, and errors closing the old
// directory after a compaction. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
