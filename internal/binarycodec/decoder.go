package binarycodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// DecodeError reports which field could not be read.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("binarycodec: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads encoded fields from a stream. The first failure is sticky:
// later reads return zero values and Err reports the original error, so a
// record can be decoded field by field with a single check at the end.
//
// Any short read is reported as io.ErrUnexpectedEOF; a header that ends
// early is corrupt, never a clean end of input.
type Decoder struct {
	r   io.Reader
	n   int64
	err error
	buf [16]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error { return d.err }

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.n }

func (d *Decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = &DecodeError{Field: field, Err: err}
	}
}

func (d *Decoder) read(field string, p []byte) bool {
	if d.err != nil {
		return false
	}
	n, err := io.ReadFull(d.r, p)
	d.n += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.fail(field, err)
		return false
	}
	return true
}

func (d *Decoder) Bool(field string) bool {
	if !d.read(field, d.buf[:1]) {
		return false
	}
	return d.buf[0] != 0
}

func (d *Decoder) Uint16(field string) uint16 {
	if !d.read(field, d.buf[:2]) {
		return 0
	}
	return binary.BigEndian.Uint16(d.buf[:2])
}

func (d *Decoder) Int16(field string) int16 {
	return int16(d.Uint16(field))
}

func (d *Decoder) Uint32(field string) uint32 {
	if !d.read(field, d.buf[:4]) {
		return 0
	}
	return binary.BigEndian.Uint32(d.buf[:4])
}

func (d *Decoder) Int32(field string) int32 {
	return int32(d.Uint32(field))
}

func (d *Decoder) Uint64(field string) uint64 {
	if !d.read(field, d.buf[:8]) {
		return 0
	}
	return binary.BigEndian.Uint64(d.buf[:8])
}

func (d *Decoder) Int64(field string) int64 {
	return int64(d.Uint64(field))
}

// UUID reads 16 wire bytes and undoes the leading byte permutation.
func (d *Decoder) UUID(field string) uuid.UUID {
	var wire [16]byte
	if !d.read(field, wire[:]) {
		return uuid.Nil
	}
	return UUIDFromWire(wire)
}

// String reads a length-prefixed string. Lengths of zero or below
// (including the null marker) decode as "".
func (d *Decoder) String(field string) string {
	length := d.Int32(field)
	if d.err != nil || length <= 0 {
		return ""
	}
	if length > MaxStringLength {
		d.fail(field, fmt.Errorf("string length %d exceeds maximum %d", length, MaxStringLength))
		return ""
	}
	data := make([]byte, length)
	if !d.read(field, data) {
		return ""
	}
	return string(data)
}

// Time reads a timestamp string and parses it.
func (d *Decoder) Time(field string) time.Time {
	s := d.String(field)
	if d.err != nil {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		d.fail(field, err)
		return time.Time{}
	}
	return t
}

// Duration reads an int64 tick count.
func (d *Decoder) Duration(field string) time.Duration {
	return TicksToDuration(d.Int64(field))
}

// Bytes reads exactly n raw bytes.
func (d *Decoder) Bytes(field string, n int) []byte {
	data := make([]byte, n)
	if !d.read(field, data) {
		return nil
	}
	return data
}
