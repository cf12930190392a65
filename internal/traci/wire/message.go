package wire

import (
	"fmt"
	"io"
)

// shortCommandMax is the largest command that fits the one-byte length form.
const shortCommandMax = 0xFF

// AppendCommand appends a command envelope for id and content to dst, using
// the long length form when the command does not fit in 255 bytes.
func AppendCommand(dst []byte, id byte, content []byte) []byte {
	short := 1 + 1 + len(content)
	if short <= shortCommandMax {
		dst = append(dst, byte(short), id)
		return append(dst, content...)
	}
	long := uint32(1 + 4 + 1 + len(content))
	dst = append(dst, 0, byte(long>>24), byte(long>>16), byte(long>>8), byte(long), id)
	return append(dst, content...)
}

// EncodeCommand returns a standalone command envelope.
func EncodeCommand(id byte, content []byte) []byte {
	return AppendCommand(make([]byte, 0, len(content)+6), id, content)
}

// CommandHeader describes one command envelope inside a message.
type CommandHeader struct {
	// ID is the command or response identifier.
	ID byte
	// Length is the full command length including the header.
	Length int
	// HeaderSize is 2 for the short form and 6 for the long form.
	HeaderSize int
}

// ContentLength is the number of content bytes following the header.
func (h CommandHeader) ContentLength() int {
	return h.Length - h.HeaderSize
}

// ReadCommand reads one command envelope and returns its header together with
// a decoder scoped to exactly its content. The parent cursor advances past
// the whole command.
func (d *Decoder) ReadCommand() (CommandHeader, *Decoder, error) {
	start := d.pos
	fail := func(err error) (CommandHeader, *Decoder, error) {
		d.pos = start
		return CommandHeader{}, nil, err
	}

	first, err := d.ReadUint8()
	if err != nil {
		return fail(err)
	}
	h := CommandHeader{Length: int(first), HeaderSize: 2}
	if first == 0 {
		ext, err := d.ReadUint32()
		if err != nil {
			return fail(err)
		}
		h.Length = int(ext)
		h.HeaderSize = 6
	}
	if h.Length < h.HeaderSize {
		return fail(fmt.Errorf("%w: command length %d at offset %d", ErrInvalidLength, h.Length, start))
	}
	if start+h.Length > len(d.buf) {
		return fail(fmt.Errorf("%w: command of %d bytes at offset %d, have %d", ErrBufferTooShort, h.Length, start, len(d.buf)-start))
	}
	id, err := d.ReadUint8()
	if err != nil {
		return fail(err)
	}
	h.ID = id

	content := d.buf[d.pos : start+h.Length]
	d.pos = start + h.Length
	return h, NewDecoder(content), nil
}

// WriteMessage frames payload with the outer 4-byte length and writes it in
// one call.
func WriteMessage(w io.Writer, payload []byte) error {
	total := uint32(MessageHeaderSize + len(payload))
	frame := make([]byte, 0, total)
	frame = append(frame, byte(total>>24), byte(total>>16), byte(total>>8), byte(total))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads one framed message and returns its payload without the
// length prefix. max bounds the accepted size; zero means MaxMessageSize.
func ReadMessage(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = MaxMessageSize
	}
	var header [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	total := int(uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3]))
	if total < MessageHeaderSize {
		return nil, fmt.Errorf("%w: message length %d", ErrInvalidLength, total)
	}
	if total > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, max)
	}
	payload := make([]byte, total-MessageHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
