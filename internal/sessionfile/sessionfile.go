// Package sessionfile writes and reads session files: a file header, a
// session header rewritten in place as the session progresses, and a
// stream of log message packets, optionally gzip compressed.
package sessionfile

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/metrics"
	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

// Extension is the file name suffix of session files.
const Extension = ".glf"

// DefaultHeaderReserve is the zero-filled slack kept after the session
// header so later rewrites may grow it a little. data_offset covers it, so
// it exceeds HeaderSize plus the encoded header by at least this much.
// WithHeaderReserve(0) writes the tight layout where the two are equal.
const DefaultHeaderReserve = 128

var (
	// ErrNotSessionFile is returned by Open for files that are not session
	// files at all.
	ErrNotSessionFile = fileheader.ErrNotSessionFile
	// ErrCorrupt is returned when a file claims to be a session file but its
	// session header cannot be trusted.
	ErrCorrupt = errors.New("sessionfile: corrupt session header")
	// ErrHeaderResized is returned by Flush when the session header no
	// longer fits the space reserved for it.
	ErrHeaderResized = errors.New("sessionfile: session header outgrew its reserved space")
	// ErrClosed is returned when writing to a closed Writer.
	ErrClosed = errors.New("sessionfile: writer closed")
)

// gzip member magic; a raw packet stream can never start with it because
// the length prefix would exceed packet.MaxPacketSize.
var gzipMagic = []byte{0x1f, 0x8b}

// Delta returns the header counter increments for one message of sev.
func Delta(sev packet.Severity) sessionheader.Counts {
	c := sessionheader.Counts{Messages: 1}
	switch sev {
	case packet.SeverityCritical:
		c.Critical = 1
	case packet.SeverityError:
		c.Errors = 1
	case packet.SeverityWarning:
		c.Warnings = 1
	}
	return c
}

type options struct {
	compress bool
	reserve  int
	sequence int32
	log      *zap.Logger
	metrics  metrics.SessionMetrics
	now      func() time.Time
}

// Option configures a Writer or Reader.
type Option func(*options)

// WithCompression gzips the packet stream. On by default.
func WithCompression(on bool) Option {
	return func(o *options) { o.compress = on }
}

// WithHeaderReserve sets the slack kept after the session header.
func WithHeaderReserve(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.reserve = n
		}
	}
}

// WithSequence sets the fragment sequence number of a new file.
func WithSequence(seq int32) Option {
	return func(o *options) { o.sequence = seq }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m metrics.SessionMetrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock replaces time.Now for fragment timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		compress: true,
		reserve:  DefaultHeaderReserve,
		sequence: 1,
		log:      zap.NewNop(),
		metrics:  metrics.NewNoopSessionMetrics(),
		now:      time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
