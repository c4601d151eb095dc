// Package binarycodec implements the primitive field encodings used by
// session files: big-endian fixed-width integers, byte-permuted UUIDs,
// length-prefixed UTF-8 strings, ISO-8601 timestamps and tick durations.
//
// The layout is frozen by an external reader, so every function here is
// byte-exact. Append* functions build encoded bytes; Decoder reads them
// back from a stream.
package binarycodec

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is the ISO-8601 round-trip format written for timestamps.
// Values are normalised to UTC first, so the offset is always "+00:00" and
// the text is 33 bytes long for years 0000-9999.
const TimeLayout = "2006-01-02T15:04:05.0000000-07:00"

// TicksPerSecond is the resolution of encoded durations (100 ns ticks).
const TicksPerSecond = int64(time.Second / tickDuration)

const tickDuration = 100 * time.Nanosecond

// NullLength is the length prefix written for a null string.
const NullLength int32 = -1

// MaxStringLength bounds decoded strings so a corrupt length prefix cannot
// force a huge allocation.
const MaxStringLength = 16 * 1024 * 1024

// uuidPermutation maps the first 8 bytes of an RFC 4122 UUID to the
// little-endian DWORD-WORD-WORD layout used by the external reader. The
// permutation is its own inverse.
var uuidPermutation = [8]int{3, 2, 1, 0, 5, 4, 7, 6}

// AppendBool appends v as a single byte (0x00 or 0x01).
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func AppendInt16(dst []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(dst, uint16(v))
}

func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func AppendInt32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func AppendInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

func AppendUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// AppendUUID appends the 16-byte wire form of u.
func AppendUUID(dst []byte, u uuid.UUID) []byte {
	wire := UUIDToWire(u)
	return append(dst, wire[:]...)
}

// UUIDToWire returns the wire bytes for u: the first 8 bytes permuted,
// the last 8 unchanged.
func UUIDToWire(u uuid.UUID) [16]byte {
	var out [16]byte
	for i, src := range uuidPermutation {
		out[i] = u[src]
	}
	copy(out[8:], u[8:])
	return out
}

// UUIDFromWire reverses UUIDToWire.
func UUIDFromWire(wire [16]byte) uuid.UUID {
	var u uuid.UUID
	for i, src := range uuidPermutation {
		u[i] = wire[src]
	}
	copy(u[8:], wire[8:])
	return u
}

// AppendString appends a 4-byte length followed by the UTF-8 bytes of s.
func AppendString(dst []byte, s string) []byte {
	dst = AppendInt32(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendNullString appends the null marker (length -1, no payload).
// Decoding it yields "", not a null: the distinction is lost on read.
func AppendNullString(dst []byte) []byte {
	return AppendInt32(dst, NullLength)
}

// AppendNullableString writes nil as a null string and anything else as a
// regular string.
func AppendNullableString(dst []byte, s *string) []byte {
	if s == nil {
		return AppendNullString(dst)
	}
	return AppendString(dst, *s)
}

// FormatTime renders t in TimeLayout after normalising it to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime. RFC 3339 text from
// other writers is accepted too. An empty string is the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

// AppendTime appends t as a string in TimeLayout.
func AppendTime(dst []byte, t time.Time) []byte {
	return AppendString(dst, FormatTime(t))
}

// AppendDuration appends d as an int64 count of 100 ns ticks.
func AppendDuration(dst []byte, d time.Duration) []byte {
	return AppendInt64(dst, DurationToTicks(d))
}

func DurationToTicks(d time.Duration) int64 {
	return int64(d / tickDuration)
}

func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * tickDuration
}
