// Package packet encodes the log messages stored in a session file's data
// stream. Each packet is an int32 length followed by that many bytes:
//
//	type(2) sequence(8) timestamp severity(4) category caption description
//
// using the binarycodec field encodings.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lyndonlyu/loupe/internal/binarycodec"
)

// TypeLogMessage is the only packet type written today.
const TypeLogMessage int16 = 1

// MaxPacketSize bounds a single packet body.
const MaxPacketSize = 16 << 20

var (
	// ErrPacketTooLarge is returned for a length prefix beyond MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet: length out of range")
	// ErrUnknownType is returned for packet types this package cannot decode.
	ErrUnknownType = errors.New("packet: unknown packet type")
)

// Severity ranks a message. Lower values are more severe.
type Severity int32

const (
	SeverityCritical    Severity = 1
	SeverityError       Severity = 2
	SeverityWarning     Severity = 4
	SeverityInformation Severity = 8
	SeverityVerbose     Severity = 16
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInformation:
		return "Information"
	case SeverityVerbose:
		return "Verbose"
	default:
		return fmt.Sprintf("Severity(%d)", int32(s))
	}
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(name string) (Severity, error) {
	for _, s := range []Severity{SeverityCritical, SeverityError, SeverityWarning, SeverityInformation, SeverityVerbose} {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("packet: unknown severity %q", name)
}

// Message is one log entry.
type Message struct {
	Sequence    int64
	Timestamp   time.Time
	Severity    Severity
	Category    string
	Caption     string
	Description string
}

// Append appends the length-prefixed encoding of m to dst.
func Append(dst []byte, m Message) []byte {
	start := len(dst)
	dst = binarycodec.AppendInt32(dst, 0)
	dst = binarycodec.AppendInt16(dst, TypeLogMessage)
	dst = binarycodec.AppendInt64(dst, m.Sequence)
	dst = binarycodec.AppendTime(dst, m.Timestamp)
	dst = binarycodec.AppendInt32(dst, int32(m.Severity))
	dst = binarycodec.AppendString(dst, m.Category)
	dst = binarycodec.AppendString(dst, m.Caption)
	dst = binarycodec.AppendString(dst, m.Description)

	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	return dst
}

// Read reads one packet from r. It returns io.EOF only when r ends cleanly
// between packets; a packet cut short fails with io.ErrUnexpectedEOF.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || n > MaxPacketSize {
		return Message{}, fmt.Errorf("%w: %d", ErrPacketTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, fmt.Errorf("packet: body: %w", err)
	}
	return Decode(body)
}

// Decode parses a packet body without its length prefix.
func Decode(body []byte) (Message, error) {
	d := binarycodec.NewDecoder(bytes.NewReader(body))
	typ := d.Int16("packet_type")
	if d.Err() == nil && typ != TypeLogMessage {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	m := Message{
		Sequence:    d.Int64("sequence"),
		Timestamp:   d.Time("timestamp"),
		Severity:    Severity(d.Int32("severity")),
		Category:    d.String("category"),
		Caption:     d.String("caption"),
		Description: d.String("description"),
	}
	if err := d.Err(); err != nil {
		return Message{}, fmt.Errorf("packet: %w", err)
	}
	return m, nil
}
