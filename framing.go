package mockwire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Payload encodings understood by the framing layer. The encoding does not
// change the bytes that are produced; it selects which framing mode is legal.
// Delimiter framing only applies to utf-8 text protocols - splitting binary
// data on a sentinel sequence would corrupt payloads that happen to contain it.
const (
	EncodingUTF8   = "utf-8"
	EncodingBinary = "binary"
)

// DefaultDelimiter terminates messages in delimiter framing mode.
const DefaultDelimiter = "\n"

// defaultMaxFrameLength bounds a single message (1MB) when no explicit
// MaxLength is configured, guarding against unbounded buffer growth.
const defaultMaxFrameLength = 1024 * 1024

// ErrMessageTooLarge is returned when a framed message exceeds the maximum
// allowed size. It is fatal for the connection that produced it.
var ErrMessageTooLarge = errors.New("message too large")

// ErrInvalidFraming is returned when a framing configuration is malformed.
var ErrInvalidFraming = errors.New("invalid framing config")

// Framing describes how discrete messages are delimited within a TCP byte
// stream. Exactly one mode is active:
//
//   - length-prefixed when LengthFieldLength > 0
//   - delimiter-based when LengthFieldLength == 0, Encoding is utf-8 and a
//     delimiter is set
//   - otherwise a degenerate whole-buffer mode where every chunk is one
//     message, for transports that frame externally
//
// A Framing value is immutable once a connection is established.
type Framing struct {
	LengthFieldLength int    // 0, 1, 2, 4 or 8 bytes of big-endian length header
	Encoding          string // EncodingUTF8 or EncodingBinary
	Delimiter         string // sentinel for delimiter mode, e.g. "\n"
	MaxLength         int    // maximum message size, 0 means defaultMaxFrameLength
}

// validate rejects header widths and encodings outside the supported set.
func (f Framing) validate() error {
	switch f.LengthFieldLength {
	case 0, 1, 2, 4, 8:
	default:
		return ErrInvalidFraming
	}
	switch f.Encoding {
	case "", EncodingUTF8, EncodingBinary:
	default:
		return ErrInvalidFraming
	}
	if f.MaxLength < 0 {
		return ErrInvalidFraming
	}
	return nil
}

// lengthPrefixed reports whether the length-prefixed mode is active.
func (f Framing) lengthPrefixed() bool {
	switch f.LengthFieldLength {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// delimited reports whether the delimiter mode is active.
func (f Framing) delimited() bool {
	return f.LengthFieldLength == 0 && f.Encoding == EncodingUTF8 && f.Delimiter != ""
}

// maxLength returns the effective message size limit.
func (f Framing) maxLength() int {
	if f.MaxLength > 0 {
		return f.MaxLength
	}
	return defaultMaxFrameLength
}

// ReadLength reads a big-endian unsigned integer of the given width from the
// start of buf. The 8-byte width is read as two 32-bit words so the result
// matches writers that compose the value as hi*2^32+lo.
func ReadLength(buf []byte, fieldLength int) uint64 {
	switch fieldLength {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(buf))
	case 4:
		return uint64(binary.BigEndian.Uint32(buf))
	case 8:
		hi := uint64(binary.BigEndian.Uint32(buf))
		lo := uint64(binary.BigEndian.Uint32(buf[4:]))
		return hi<<32 | lo
	}
	return 0
}

// WriteLength encodes v as a big-endian unsigned integer of the given width.
// The 8-byte width is written as two 32-bit words, hi = v / 2^32 and
// lo = v mod 2^32.
func WriteLength(v uint64, fieldLength int) []byte {
	buf := make([]byte, fieldLength)
	switch fieldLength {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.BigEndian.PutUint32(buf, uint32(v>>32))
		binary.BigEndian.PutUint32(buf[4:], uint32(v))
	}
	return buf
}

// ProcessIncoming extracts every complete message from buf and returns the
// unconsumed remainder. It is a pure function: partial TCP reads are handled
// by the caller appending new bytes to the remainder and calling again.
//
// Length-prefixed mode stops as soon as the header or body of the next
// message is incomplete. Delimiter mode stops when no further delimiter
// occurrence exists, keeping the tail as remainder. A zero-length message is
// valid and is emitted once its header has been read.
//
// ErrMessageTooLarge is returned when a length header announces a message
// beyond MaxLength, or when a delimiter-mode tail grows past MaxLength
// without a delimiter in sight. Messages extracted before the oversized one
// are still returned.
func (f Framing) ProcessIncoming(buf []byte) (msgs [][]byte, rest []byte, err error) {
	switch {
	case f.lengthPrefixed():
		return f.processLengthPrefixed(buf)
	case f.delimited():
		return f.processDelimited(buf)
	default:
		// Whole-buffer fallback for adapters that frame externally.
		if len(buf) == 0 {
			return nil, nil, nil
		}
		msg := make([]byte, len(buf))
		copy(msg, buf)
		return [][]byte{msg}, nil, nil
	}
}

func (f Framing) processLengthPrefixed(buf []byte) ([][]byte, []byte, error) {
	var msgs [][]byte
	fieldLen := f.LengthFieldLength

	for len(buf) >= fieldLen {
		msgLen := ReadLength(buf, fieldLen)
		if msgLen > uint64(f.maxLength()) {
			return msgs, buf, ErrMessageTooLarge
		}
		total := fieldLen + int(msgLen)
		if len(buf) < total {
			break
		}
		msg := make([]byte, msgLen)
		copy(msg, buf[fieldLen:total])
		msgs = append(msgs, msg)
		buf = buf[total:]
	}
	return msgs, buf, nil
}

func (f Framing) processDelimited(buf []byte) ([][]byte, []byte, error) {
	var msgs [][]byte
	delim := []byte(f.Delimiter)

	for {
		idx := bytes.Index(buf, delim)
		if idx < 0 {
			break
		}
		msg := make([]byte, idx)
		copy(msg, buf[:idx])
		msgs = append(msgs, msg)
		buf = buf[idx+len(delim):]
	}
	if len(buf) > f.maxLength() {
		return msgs, buf, ErrMessageTooLarge
	}
	return msgs, buf, nil
}

// FrameMessage prepends the length header in length-prefixed mode and
// returns the payload unchanged otherwise. The delimiter, when active, is
// appended by the connection's send path rather than here.
func (f Framing) FrameMessage(payload []byte) []byte {
	if !f.lengthPrefixed() {
		return payload
	}
	framed := WriteLength(uint64(len(payload)), f.LengthFieldLength)
	return append(framed, payload...)
}
