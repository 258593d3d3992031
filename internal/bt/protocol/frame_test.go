package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeWireBytes(t *testing.T) {
	got := string(Encode(Frame{Sender: "Phone", Text: "ping"}))
	if got != "Phone#ping\n" {
		t.Errorf("Encode() = %q, want %q", got, "Phone#ping\n")
	}
}

func TestDecodeESP32Frame(t *testing.T) {
	f, err := Decode([]byte("ESP32#hello\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Sender != "ESP32" || f.Text != "hello" {
		t.Errorf("Decode() = %+v, want {ESP32 hello}", f)
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []Frame{
		{Sender: "Phone", Text: "ping"},
		{Sender: "ESP32-CHAT", Text: "temperature 21.5C"},
		{Sender: "a", Text: ""},
		{Sender: "", Text: "anonymous"},
		{Sender: "Ünïcødé", Text: "héllo wörld \U0001F600"},
		{Sender: "tab\tsender", Text: "  padded  "},
	}
	for _, want := range frames {
		got, err := Decode(Encode(want))
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)) error = %v", want, err)
		}
		if got != want {
			t.Errorf("Decode(Encode(%+v)) = %+v", want, got)
		}
	}
}

func TestDecodeTextContainingDelimiter(t *testing.T) {
	// Text may carry '#': the split happens on the first delimiter.
	want := Frame{Sender: "Phone", Text: "issue #42 fixed #done"}
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != want {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
}

func TestDecodeSenderContainingDelimiter(t *testing.T) {
	// A '#' in the sender cannot survive: everything after the first '#'
	// is text.
	got, err := Decode(Encode(Frame{Sender: "team#1", Text: "go"}))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := Frame{Sender: "team", Text: "1#go"}
	if got != want {
		t.Errorf("Decode() = %+v, want %+v", got, want)
	}
}

func TestDecodeCRLF(t *testing.T) {
	f, err := Decode([]byte("ESP32#hello\r\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Text != "hello" {
		t.Errorf("Text = %q, want %q", f.Text, "hello")
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing terminator", "ESP32#hello"},
		{"missing delimiter", "hello\n"},
		{"empty", ""},
		{"only terminator", "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedFrame", tt.input, err)
			}
		})
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	f, err := Decode([]byte("a#b\nc#d\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f != (Frame{Sender: "a", Text: "b"}) {
		t.Errorf("Decode() = %+v, want first frame only", f)
	}
}

func TestValidateSender(t *testing.T) {
	tests := []struct {
		label   string
		wantErr bool
	}{
		{"Phone", false},
		{"ESP32-CHAT", false},
		{"", true},
		{"a#b", true},
		{"line\nbreak", true},
		{"cr\r", true},
	}
	for _, tt := range tests {
		err := ValidateSender(tt.label)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSender(%q) error = %v, wantErr %v", tt.label, err, tt.wantErr)
		}
	}
}

func TestReaderSplitsStream(t *testing.T) {
	r := NewReader(strings.NewReader("ESP32#hello\nPhone#hi there\r\nESP32##tag\n"), 0)

	want := []Frame{
		{Sender: "ESP32", Text: "hello"},
		{Sender: "Phone", Text: "hi there"},
		{Sender: "ESP32", Text: "#tag"},
	}
	for i, w := range want {
		f, _, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if f != w {
			t.Errorf("Next() #%d = %+v, want %+v", i, f, w)
		}
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

// chunkedReader hands out data a few bytes at a time to exercise
// reassembly across reads.
type chunkedReader struct {
	data []byte
	n    int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	k := c.n
	if k > len(c.data) {
		k = len(c.data)
	}
	if k > len(p) {
		k = len(p)
	}
	copy(p, c.data[:k])
	c.data = c.data[k:]
	return k, nil
}

func TestReaderReassemblesPartialReads(t *testing.T) {
	r := NewReader(&chunkedReader{data: []byte("ESP32#split across reads\n"), n: 3}, 0)
	f, _, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if f.Text != "split across reads" {
		t.Errorf("Text = %q", f.Text)
	}
}

func TestReaderMalformedLineResyncs(t *testing.T) {
	r := NewReader(strings.NewReader("garbage\nESP32#ok\n"), 0)

	_, line, err := r.Next()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("Next() error = %v, want ErrMalformedFrame", err)
	}
	if Text(line) != "garbage" {
		t.Errorf("raw line = %q, want %q", Text(line), "garbage")
	}

	f, _, err := r.Next()
	if err != nil {
		t.Fatalf("Next() after malformed error = %v", err)
	}
	if f.Text != "ok" {
		t.Errorf("Text = %q, want %q", f.Text, "ok")
	}
}

func TestReaderTooLongSkipsToNextLine(t *testing.T) {
	long := strings.Repeat("x", 100)
	r := NewReader(strings.NewReader("ESP32#"+long+"\nESP32#short\n"), 32)

	_, _, err := r.Next()
	if !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("Next() error = %v, want ErrFrameTooLong", err)
	}
	if !errors.Is(err, ErrMalformedFrame) {
		t.Error("ErrFrameTooLong should wrap ErrMalformedFrame")
	}

	f, _, err := r.Next()
	if err != nil {
		t.Fatalf("Next() after long line error = %v", err)
	}
	if f.Text != "short" {
		t.Errorf("Text = %q, want %q", f.Text, "short")
	}
}

func TestReaderDiscardsPartialFrameAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader("ESP32#complete\nESP32#trunc"), 0)
	if _, _, err := r.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() on partial frame error = %v, want io.EOF", err)
	}
}
