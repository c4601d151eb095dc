package sessionfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

// Writer appends packets to a new session file and keeps its session
// header current.
type Writer struct {
	opts   options
	path   string
	header *sessionheader.SessionHeader

	mu       sync.Mutex
	f        *os.File
	bw       *bufio.Writer
	zw       *gzip.Writer
	stream   io.Writer
	reserved int
	sequence int64
	closed   bool
}

// Create writes a new session file at path for header. The file must not
// exist. A header without a fragment block gets one for this file.
func Create(path string, header *sessionheader.SessionHeader, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)

	if _, ok := header.Fragment(); !ok {
		now := o.now()
		header.SetFragment(sessionheader.Fragment{
			FileID:    uuid.New(),
			Sequence:  o.sequence,
			StartTime: now,
			EndTime:   now,
		})
	}
	header.SetLive(true)

	encoded := header.Encode()
	reserved := len(encoded) + o.reserve
	fh := fileheader.New(reserved)
	fh.MajorVersion, fh.MinorVersion = header.Version()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: create: %w", err)
	}
	prefix := make([]byte, 0, fileheader.HeaderSize+reserved)
	prefix = append(prefix, fh.Encode()...)
	prefix = append(prefix, encoded...)
	prefix = append(prefix, make([]byte, o.reserve)...)
	if _, err := f.Write(prefix); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sessionfile: write header: %w", err)
	}

	w := &Writer{
		opts:     o,
		path:     path,
		header:   header,
		f:        f,
		bw:       bufio.NewWriter(f),
		reserved: reserved,
	}
	w.stream = w.bw
	if o.compress {
		w.zw = gzip.NewWriter(w.bw)
		w.stream = w.zw
	}
	o.log.Debug("session file created",
		zap.String("path", path),
		zap.Stringer("session", header.ID()),
		zap.Int("header_bytes", len(encoded)))
	return w, nil
}

// Path returns the file name given to Create.
func (w *Writer) Path() string { return w.path }

// Header returns the live session header.
func (w *Writer) Header() *sessionheader.SessionHeader { return w.header }

// Append writes one message and updates the header counters. Messages
// without a timestamp are stamped now; the sequence number is assigned
// here.
func (w *Writer) Append(m packet.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = w.opts.now()
	}
	w.sequence++
	m.Sequence = w.sequence

	if _, err := w.stream.Write(packet.Append(nil, m)); err != nil {
		return fmt.Errorf("sessionfile: append: %w", err)
	}
	w.header.AddCounts(Delta(m.Severity), m.Timestamp)
	w.header.SetHasData(true)
	w.opts.metrics.RecordPackets(1)
	return nil
}

// Flush pushes buffered packets to the file and rewrites the session
// header in place.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return fmt.Errorf("sessionfile: flush: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("sessionfile: flush: %w", err)
	}
	return w.writeHeaderLocked()
}

func (w *Writer) writeHeaderLocked() error {
	start := time.Now()
	if frag, ok := w.header.Fragment(); ok {
		frag.EndTime = w.header.EndTime()
		w.header.SetFragment(frag)
	}
	encoded := w.header.Encode()
	if len(encoded) > w.reserved {
		return fmt.Errorf("%w: %d > %d bytes", ErrHeaderResized, len(encoded), w.reserved)
	}
	buf := make([]byte, w.reserved)
	copy(buf, encoded)
	if _, err := w.f.WriteAt(buf, fileheader.HeaderSize); err != nil {
		return fmt.Errorf("sessionfile: rewrite header: %w", err)
	}
	w.opts.metrics.ObserveFlush(time.Since(start), len(encoded))
	return nil
}

// Close finishes the stream and writes the final header. lastFile marks
// this file as the last of its session; a session still marked running is
// then recorded as ended normally.
func (w *Writer) Close(lastFile bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.zw != nil {
		errs = append(errs, w.zw.Close())
	}
	errs = append(errs, w.bw.Flush())

	if frag, ok := w.header.Fragment(); ok {
		frag.IsLastFile = lastFile
		w.header.SetFragment(frag)
	}
	if lastFile && w.header.Status() == sessionheader.StatusRunning {
		w.header.SetStatus(sessionheader.StatusNormal)
	}
	w.header.SetLive(false)
	errs = append(errs, w.writeHeaderLocked(), w.f.Sync(), w.f.Close())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sessionfile: close: %w", err)
	}
	w.opts.log.Debug("session file closed",
		zap.String("path", w.path),
		zap.Int32("messages", w.header.MessageCount()),
		zap.Bool("last_file", lastFile))
	return nil
}
