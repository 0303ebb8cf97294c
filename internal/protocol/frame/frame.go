package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/danmuck/dbgwire/internal/protocol"
)

// Wire format, repeated on one byte stream:
//
//	<decimal byte length>:<utf-8 json object>
//
// The declared length is the exact byte length of the JSON that follows.

const (
	separator = ':'
	// maxPrefixDigits bounds the length prefix. Twenty digits already
	// exceeds any length a uint64 can hold.
	maxPrefixDigits = 20
)

var (
	ErrEncode          = errors.New("frame: encode packet")
	ErrMalformedPrefix = errors.New("frame: malformed length prefix")
	ErrFrameTooLarge   = errors.New("frame: declared length exceeds limit")
)

// DecodeError reports a well-framed chunk whose body is not a JSON object.
// The stream itself is intact; the reader skips the frame and continues.
type DecodeError struct {
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: decode %d-byte body: %v", e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Limits constrains decode memory use.
type Limits struct {
	// MaxFrameBytes caps the declared body length. Zero means unlimited.
	MaxFrameBytes uint64
}

// DefaultLimits imposes no limit; the framing itself is unbounded.
func DefaultLimits() Limits {
	return Limits{}
}

// Encode serializes p as one frame.
func Encode(p protocol.Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	prefix := strconv.Itoa(len(body))
	out := make([]byte, 0, len(prefix)+1+len(body))
	out = append(out, prefix...)
	out = append(out, separator)
	out = append(out, body...)
	return out, nil
}

// WriteFrame encodes p and writes it to w in one call.
func WriteFrame(w io.Writer, p protocol.Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// TryDecode extracts the first frame from buf using DefaultLimits.
func TryDecode(buf []byte) (protocol.Packet, int, error) {
	return TryDecodeLimits(buf, DefaultLimits())
}

// TryDecodeLimits extracts the first frame from buf.
//
// It returns (nil, 0, nil) when buf does not yet hold a complete frame. A
// *DecodeError comes with the number of bytes to skip past the bad frame.
// ErrMalformedPrefix and ErrFrameTooLarge are unrecoverable: the stream
// position of the next frame is unknown.
func TryDecodeLimits(buf []byte, limits Limits) (protocol.Packet, int, error) {
	n, colon, err := scanPrefix(buf)
	if err != nil || colon < 0 {
		return nil, 0, err
	}
	if limits.MaxFrameBytes > 0 && n > limits.MaxFrameBytes {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}
	start := colon + 1
	if uint64(len(buf)-start) < n {
		return nil, 0, nil
	}
	end := start + int(n)
	body := buf[start:end]

	p, err := decodeBody(body)
	if err != nil {
		return nil, end, &DecodeError{Length: int(n), Err: err}
	}
	return p, end, nil
}

// scanPrefix parses the decimal length. colon is -1 when more bytes are
// needed.
func scanPrefix(buf []byte) (uint64, int, error) {
	colon := bytes.IndexByte(buf, separator)
	digits := buf
	if colon >= 0 {
		digits = buf[:colon]
	}
	if len(digits) > maxPrefixDigits {
		return 0, -1, fmt.Errorf("%w: %d digits", ErrMalformedPrefix, len(digits))
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, -1, fmt.Errorf("%w: unexpected byte 0x%02x", ErrMalformedPrefix, c)
		}
	}
	if colon < 0 {
		return 0, -1, nil
	}
	if colon == 0 {
		return 0, -1, fmt.Errorf("%w: empty length", ErrMalformedPrefix)
	}
	n, err := strconv.ParseUint(string(digits), 10, 63)
	if err != nil {
		return 0, -1, fmt.Errorf("%w: %v", ErrMalformedPrefix, err)
	}
	return n, colon, nil
}

func decodeBody(body []byte) (protocol.Packet, error) {
	if !utf8.Valid(body) {
		return nil, errors.New("invalid utf-8")
	}
	var p protocol.Packet
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("body is not a json object")
	}
	return p, nil
}
