// Package fileheader reads and writes the fixed 20-byte header that opens
// every session file:
//
//	type_code(8) major(2) minor(2) data_offset(4) data_checksum(4)
//
// The protocol version it carries decides which optional fields the
// session header after it contains.
package fileheader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lyndonlyu/loupe/internal/binarycodec"
)

// HeaderSize is the encoded size of a FileHeader.
const HeaderSize = 20

// TypeCode marks a file as a session file ("yGLF\r\n\x1a\n").
const TypeCode uint64 = 0x79474C460D0A1A0A

// Newest protocol version this package writes and understands.
const (
	LatestMajorVersion int16 = 3
	LatestMinorVersion int16 = 0
)

var (
	// ErrNotSessionFile is returned when the type code does not match.
	// Scanners treat it as "not one of ours", not as corruption.
	ErrNotSessionFile = errors.New("fileheader: not a session file")
	// ErrUnsupportedVersion is returned for files written by a newer protocol.
	ErrUnsupportedVersion = errors.New("fileheader: unsupported protocol version")
	// ErrBadDataOffset is returned when data_offset points inside the header.
	ErrBadDataOffset = errors.New("fileheader: data offset inside header")
)

// FileHeader identifies a session file and locates its data stream.
type FileHeader struct {
	TypeCode     uint64
	MajorVersion int16
	MinorVersion int16
	DataOffset   int32 // HeaderSize + space reserved for the session header
	DataChecksum int32 // reserved, not validated
}

var (
	versionMu    sync.RWMutex
	defaultMajor = LatestMajorVersion
	defaultMinor = LatestMinorVersion
)

// DefaultVersion returns the protocol version used for new files.
func DefaultVersion() (major, minor int16) {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return defaultMajor, defaultMinor
}

// SetDefaultVersion changes the protocol version used for new files and
// returns a func that restores the previous value. It is process-wide: the
// CLI sets it once from configuration, and tests use it to produce older
// files.
func SetDefaultVersion(major, minor int16) (restore func()) {
	versionMu.Lock()
	prevMajor, prevMinor := defaultMajor, defaultMinor
	defaultMajor, defaultMinor = major, minor
	versionMu.Unlock()

	return func() {
		versionMu.Lock()
		defaultMajor, defaultMinor = prevMajor, prevMinor
		versionMu.Unlock()
	}
}

// New returns a header for a file whose session header is sessionHeaderLen
// bytes long, stamped with the default protocol version.
func New(sessionHeaderLen int) FileHeader {
	major, minor := DefaultVersion()
	return FileHeader{
		TypeCode:     TypeCode,
		MajorVersion: major,
		MinorVersion: minor,
		DataOffset:   int32(HeaderSize + sessionHeaderLen),
	}
}

// SessionHeaderLength is the number of bytes between the file header and
// the data stream. Writers may reserve more than the encoded header needs.
func (h FileHeader) SessionHeaderLength() int {
	return int(h.DataOffset) - HeaderSize
}

// Encode returns the 20-byte wire form of h.
func (h FileHeader) Encode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binarycodec.AppendUint64(buf, h.TypeCode)
	buf = binarycodec.AppendInt16(buf, h.MajorVersion)
	buf = binarycodec.AppendInt16(buf, h.MinorVersion)
	buf = binarycodec.AppendInt32(buf, h.DataOffset)
	buf = binarycodec.AppendInt32(buf, h.DataChecksum)
	return buf
}

// Decode parses a header from the first HeaderSize bytes of data. A short
// buffer fails with an error wrapping io.ErrUnexpectedEOF; a foreign type
// code fails with ErrNotSessionFile.
func Decode(data []byte) (FileHeader, error) {
	d := binarycodec.NewDecoder(bytes.NewReader(data))
	h := FileHeader{
		TypeCode:     d.Uint64("type_code"),
		MajorVersion: d.Int16("major_version"),
		MinorVersion: d.Int16("minor_version"),
		DataOffset:   d.Int32("data_offset"),
		DataChecksum: d.Int32("data_checksum"),
	}
	if err := d.Err(); err != nil {
		return FileHeader{}, fmt.Errorf("fileheader: %w", err)
	}
	if h.TypeCode != TypeCode {
		return FileHeader{}, ErrNotSessionFile
	}
	return h, nil
}

// Validate checks the invariants a header must hold before its session
// header is read.
func (h FileHeader) Validate() error {
	if h.TypeCode != TypeCode {
		return ErrNotSessionFile
	}
	if h.MajorVersion > LatestMajorVersion {
		return fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, h.MajorVersion, h.MinorVersion)
	}
	if h.DataOffset < HeaderSize {
		return fmt.Errorf("%w: %d", ErrBadDataOffset, h.DataOffset)
	}
	return nil
}

// Probe reads the header at the start of r. It reports ok=false with a nil
// error when r is too short or carries a foreign type code, so callers
// sweeping a directory can skip non-matching files without error handling.
func Probe(r io.ReaderAt) (h FileHeader, ok bool, err error) {
	buf := make([]byte, HeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return FileHeader{}, false, fmt.Errorf("fileheader: probe: %w", err)
	}
	if n < HeaderSize {
		return FileHeader{}, false, nil
	}
	h, err = Decode(buf)
	if err != nil {
		if errors.Is(err, ErrNotSessionFile) {
			return FileHeader{}, false, nil
		}
		return FileHeader{}, false, err
	}
	return h, true, nil
}

// SupportsComputerID reports whether session headers of this version carry
// a computer id.
func SupportsComputerID(major, minor int16) bool {
	return major > 2 || (major == 2 && minor > 0)
}

// SupportsEnvironmentAndPromotion reports whether session headers of this
// version carry environment and promotion level names.
func SupportsEnvironmentAndPromotion(major, minor int16) bool {
	return major > 1
}

// SupportsFragments reports whether session headers of this version carry
// the per-file fragment block.
func SupportsFragments(major, minor int16) bool {
	return major > 1
}
