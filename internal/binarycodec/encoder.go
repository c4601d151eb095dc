package binarycodec

import (
	"time"

	"github.com/google/uuid"
)

// Encoder accumulates encoded fields in memory. Offset reports where the
// next field will start, which lets callers remember the position of a
// value they intend to patch later.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Offset() int { return len(e.buf) }
func (e *Encoder) Bytes() []byte { return e.buf }
func (e *Encoder) Reset() { e.buf = e.buf[:0] }
func (e *Encoder) Raw(p []byte) { e.buf = append(e.buf, p...) }
func (e *Encoder) Bool(v bool) { e.buf = AppendBool(e.buf, v) }
func (e *Encoder) Int16(v int16) { e.buf = AppendInt16(e.buf, v) }
func (e *Encoder) Uint16(v uint16) { e.buf = AppendUint16(e.buf, v) }
func (e *Encoder) Int32(v int32) { e.buf = AppendInt32(e.buf, v) }
func (e *Encoder) Uint32(v uint32) { e.buf = AppendUint32(e.buf, v) }
func (e *Encoder) Int64(v int64) { e.buf = AppendInt64(e.buf, v) }
func (e *Encoder) Uint64(v uint64) { e.buf = AppendUint64(e.buf, v) }
func (e *Encoder) UUID(u uuid.UUID) { e.buf = AppendUUID(e.buf, u) }
func (e *Encoder) String(s string) { e.buf = AppendString(e.buf, s) }
func (e *Encoder) NullString() { e.buf = AppendNullString(e.buf) }
func (e *Encoder) Time(t time.Time) { e.buf = AppendTime(e.buf, t) }
func (e *Encoder) Duration(d time.Duration) { e.buf = AppendDuration(e.buf, d) }

// Checksum appends the checksum of everything written so far.
func (e *Encoder) Checksum() { e.buf = AppendChecksum(e.buf) }
