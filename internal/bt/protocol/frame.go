// Package protocol implements the line-oriented chat wire format spoken by
// the ESP32 firmware and peer phones:
//
//	<sender>#<text>\n
//
// There is no length prefix, checksum or escaping. Frames are split on the
// FIRST '#', so a sender label must not contain '#' while the text may.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates the sender label from the text.
	Delimiter = '#'
	// Terminator ends every frame.
	Terminator = '\n'

	// DefaultMaxFrameBytes bounds a single buffered line, terminator included.
	DefaultMaxFrameBytes = 4096
)

var (
	// ErrMalformedFrame is returned when a frame has no terminator or no delimiter.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLong is returned when a line exceeds the reader's limit.
	ErrFrameTooLong = fmt.Errorf("%w: frame too long", ErrMalformedFrame)
)

// Frame is one decoded chat line.
type Frame struct {
	Sender string
	Text   string
}

// Encode serializes f as "sender#text\n".
func Encode(f Frame) []byte {
	buf := make([]byte, 0, len(f.Sender)+len(f.Text)+2)
	buf = append(buf, f.Sender...)
	buf = append(buf, Delimiter)
	buf = append(buf, f.Text...)
	buf = append(buf, Terminator)
	return buf
}

// Decode parses one complete frame. The input must end with '\n'; a single
// '\r' before it is dropped. Anything after the first terminator is ignored.
func Decode(b []byte) (Frame, error) {
	line, ok := trimTerminator(b)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
	}
	i := bytes.IndexByte(line, Delimiter)
	if i < 0 {
		return Frame{}, fmt.Errorf("%w: missing delimiter", ErrMalformedFrame)
	}
	return Frame{
		Sender: string(line[:i]),
		Text:   string(line[i+1:]),
	}, nil
}

// trimTerminator returns b up to (not including) the first terminator and
// an optional preceding '\r'.
func trimTerminator(b []byte) ([]byte, bool) {
	i := bytes.IndexByte(b, Terminator)
	if i < 0 {
		return nil, false
	}
	line := b[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}

// ValidateSender reports whether label can be used as a sender without
// breaking frame boundaries.
func ValidateSender(label string) error {
	if label == "" {
		return errors.New("protocol: sender label must not be empty")
	}
	if strings.ContainsAny(label, "#\r\n") {
		return fmt.Errorf("protocol: sender label %q must not contain '#', CR or LF", label)
	}
	return nil
}
