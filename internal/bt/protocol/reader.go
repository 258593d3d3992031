package protocol

import (
	"bufio"
	"errors"
	"io"
)

// Reader pulls frames off a byte stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r. maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxFrameBytes int) *Reader {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	// bufio needs at least 16 bytes
	size := maxFrameBytes
	if size < 16 {
		size = 16
	}
	return &Reader{br: bufio.NewReaderSize(r, size), max: maxFrameBytes}
}

// ReadLine returns the next raw line including its terminator.
//
// A line longer than the limit is skipped up to the next terminator and
// reported as ErrFrameTooLong, so the caller can keep reading. Bytes of an
// unterminated line at end of stream are discarded and the underlying
// error (usually io.EOF) is returned.
func (r *Reader) ReadLine() ([]byte, error) {
	line, err := r.br.ReadSlice(Terminator)
	switch {
	case err == nil:
		if len(line) > r.max {
			return nil, ErrFrameTooLong
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	case errors.Is(err, bufio.ErrBufferFull):
		if err := r.skipLine(); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLong
	default:
		return nil, err
	}
}

// Next reads and decodes the next frame. Decode failures wrap
// ErrMalformedFrame and leave the reader positioned at the next line.
func (r *Reader) Next() (Frame, []byte, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Frame{}, nil, err
	}
	f, err := Decode(line)
	return f, line, err
}

func (r *Reader) skipLine() error {
	for {
		_, err := r.br.ReadSlice(Terminator)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// Text returns the line without its terminator, for callers that want the
// raw content of a frame that failed to decode.
func Text(line []byte) string {
	if l, ok := trimTerminator(line); ok {
		return string(l)
	}
	return string(line)
}
