package sessionfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

// Reader reads a session file's headers and packets.
type Reader struct {
	f      *os.File
	fh     fileheader.FileHeader
	header *sessionheader.SessionHeader
	stream io.Reader
	zr     *gzip.Reader
}

// Open reads the headers of the session file at path and positions the
// Reader at its first packet.
//
// Files that are not session files fail with ErrNotSessionFile. A session
// file whose header is truncated or fails its checksum fails with
// ErrCorrupt. Files from a newer protocol fail with
// fileheader.ErrUnsupportedVersion.
func Open(path string, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: open: %w", err)
	}
	r, err := readHeaders(f)
	if err != nil {
		f.Close()
		switch {
		case errors.Is(err, ErrCorrupt):
			o.metrics.RecordCorrupt("header")
		case errors.Is(err, fileheader.ErrUnsupportedVersion):
			o.metrics.RecordCorrupt("version")
		}
		return nil, err
	}
	return r, nil
}

// ReadHeader returns the headers of the session file at path without
// touching its packets.
func ReadHeader(path string, opts ...Option) (fileheader.FileHeader, *sessionheader.SessionHeader, error) {
	r, err := Open(path, opts...)
	if err != nil {
		return fileheader.FileHeader{}, nil, err
	}
	defer r.Close()
	return r.fh, r.header, nil
}

func readHeaders(f *os.File) (*Reader, error) {
	fh, ok, err := fileheader.Probe(f)
	if err != nil {
		return nil, fmt.Errorf("sessionfile: %w", err)
	}
	if !ok {
		return nil, ErrNotSessionFile
	}
	if err := fh.Validate(); err != nil {
		if errors.Is(err, fileheader.ErrUnsupportedVersion) {
			return nil, fmt.Errorf("sessionfile: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	buf := make([]byte, fh.SessionHeaderLength())
	if _, err := f.ReadAt(buf, fileheader.HeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	h, err := sessionheader.Decode(buf)
	if err != nil {
		if errors.Is(err, fileheader.ErrUnsupportedVersion) {
			return nil, fmt.Errorf("sessionfile: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if !h.Valid() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sessionfile: %w", err)
	}
	section := io.NewSectionReader(f, int64(fh.DataOffset), st.Size()-int64(fh.DataOffset))
	br := bufio.NewReader(section)
	r := &Reader{f: f, fh: fh, header: h, stream: br}
	h.SetHasData(section.Size() > 0)

	if magic, _ := br.Peek(len(gzipMagic)); bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		r.zr = zr
		r.stream = zr
	}
	return r, nil
}

// FileHeader returns the fixed file header.
func (r *Reader) FileHeader() fileheader.FileHeader { return r.fh }

// Header returns the decoded session header.
func (r *Reader) Header() *sessionheader.SessionHeader { return r.header }

// Next returns the next message. It returns io.EOF after the last one. A
// file still being written may end mid-packet, which surfaces as
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (packet.Message, error) {
	m, err := packet.Read(r.stream)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return packet.Message{}, err
	}
	if err != nil {
		return packet.Message{}, fmt.Errorf("sessionfile: %w", err)
	}
	return m, nil
}

// Messages reads every remaining message. A stream cut short by a live
// writer ends the list without error.
func (r *Reader) Messages() ([]packet.Message, error) {
	var out []packet.Message
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}

func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.f.Close()
}
