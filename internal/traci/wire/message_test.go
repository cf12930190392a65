package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestAppendCommandShortForm(t *testing.T) {
	got := EncodeCommand(0x02, []byte{0, 0, 0, 100})
	want := []byte{6, 0x02, 0, 0, 0, 100}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeCommand() = % x, want % x", got, want)
	}

	d := NewDecoder(got)
	h, content, err := d.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if h.ID != 0x02 || h.Length != 6 || h.HeaderSize != 2 || content.Remaining() != 4 {
		t.Fatalf("ReadCommand() header = %+v, content = %d bytes", h, content.Remaining())
	}
}

func TestAppendCommandLongForm(t *testing.T) {
	content := bytes.Repeat([]byte{0xaa}, 300)
	got := EncodeCommand(0xc4, content)
	if got[0] != 0 {
		t.Fatalf("expected long-form marker, got 0x%02x", got[0])
	}
	if len(got) != 306 {
		t.Fatalf("len = %d, want 306", len(got))
	}

	d := NewDecoder(append(got, 0x7f))
	h, body, err := d.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if h.ID != 0xc4 || h.ContentLength() != 300 || body.Remaining() != 300 {
		t.Fatalf("ReadCommand() = %+v, body %d", h, body.Remaining())
	}
	if d.Remaining() != 1 {
		t.Fatalf("parent cursor left %d bytes, want 1", d.Remaining())
	}
}

func TestReadCommandRejectsTruncated(t *testing.T) {
	d := NewDecoder([]byte{10, 0x02, 0})
	if _, _, err := d.ReadCommand(); !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("ReadCommand() error = %v, want ErrBufferTooShort", err)
	}
	if d.Position() != 0 {
		t.Fatalf("Position() = %d, want 0", d.Position())
	}

	d = NewDecoder([]byte{1, 0x02})
	if _, _, err := d.ReadCommand(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("ReadCommand() error = %v, want ErrInvalidLength", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodeCommand(0x00, nil)
	if err := WriteMessage(&buf, payload); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 6}) {
		t.Fatalf("length prefix = % x, want 00 00 00 06", got)
	}

	got, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadMessage() = % x, want % x", got, payload)
	}
}

func TestReadMessageLimits(t *testing.T) {
	if _, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 2}), 0); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("ReadMessage() error = %v, want ErrInvalidLength", err)
	}
	if _, err := ReadMessage(bytes.NewReader([]byte{0, 0, 1, 0}), 128); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("ReadMessage() error = %v, want ErrMessageTooLarge", err)
	}
	if _, err := ReadMessage(strings.NewReader("\x00\x00\x00\x08ab"), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadMessage() error = %v, want io.ErrUnexpectedEOF", err)
	}
}
