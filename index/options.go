package index

// Functional options for Open, in the style of the teacher's
// store/store.go config/Option/apply trio (gsfa/store/option.go).

const (
	defaultSyncOnFlush = false
)

type config struct {
	syncOnFlush bool
	garbage     GarbageSink
}

// Option configures Open.
type Option func(*config)

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithSyncOnFlush causes Flush to fsync the index file in addition to
// flushing the buffered writer.
func WithSyncOnFlush(sync bool) Option {
	return func(c *config) {
		c.syncOnFlush = sync
	}
}

// WithGarbageSink registers a sink notified of every record-list span a
// Put retires, so an external ledger can account for reclaimable bytes.
// The core engine never deletes or rewrites the retired bytes itself.
func WithGarbageSink(sink GarbageSink) Option {
	return func(c *config) {
		c.garbage = sink
	}
}

// GarbageSink receives the (offset, length) of each record-list frame an
// Index.Put retires by appending a replacement. Offset is the start of
// the frame (its length prefix), length is the total frame size.
type GarbageSink interface {
	Retire(offset int64, length int64)
}
