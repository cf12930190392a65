package wire

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/traci-sync/model"
)

// Decoder reads TraCI-encoded values from a byte buffer. Every read either
// consumes exactly the bytes of the value it returns or, on error, leaves the
// cursor where it was.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder over buf. The decoder does not copy buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Position returns the current read offset.
func (d *Decoder) Position() int {
	return d.pos
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF reports whether every byte has been consumed.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

func (d *Decoder) need(n int) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrBufferTooShort, n, d.pos, d.Remaining())
	}
	return nil
}

// Skip advances the cursor by n bytes.
func (d *Decoder) Skip(n int) error {
	if err := d.need(n); err != nil {
		return err
	}
	d.pos += n
	return nil
}

// ReadBytes returns the next n bytes. The slice aliases the decoder buffer.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadUint8 reads one unsigned byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// ReadInt8 reads one signed byte.
func (d *Decoder) ReadInt8() (int8, error) {
	v, err := d.ReadUint8()
	return int8(v), err
}

// ReadUint32 reads a big-endian uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := uint32(d.buf[d.pos])<<24 | uint32(d.buf[d.pos+1])<<16 |
		uint32(d.buf[d.pos+2])<<8 | uint32(d.buf[d.pos+3])
	d.pos += 4
	return v, nil
}

// ReadInt32 reads a big-endian int32.
func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

// ReadFloat64 reads a big-endian IEEE 754 double.
func (d *Decoder) ReadFloat64() (float64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	b := d.buf[d.pos:]
	u := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	d.pos += 8
	return math.Float64frombits(u), nil
}

// ReadString reads a 4-byte length followed by that many bytes.
func (d *Decoder) ReadString() (string, error) {
	start := d.pos
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > MaxStringSize || int(n) > d.Remaining() {
		d.pos = start
		return "", fmt.Errorf("%w: string length %d at offset %d, have %d", ErrBufferTooShort, n, start, len(d.buf)-start-4)
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

// readCount reads a 4-byte element count and rejects counts that could not
// fit in the rest of the buffer given minSize bytes per element.
func (d *Decoder) readCount(minSize int) (int, error) {
	start := d.pos
	n, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	if n > MaxListCount || uint64(n)*uint64(minSize) > uint64(d.Remaining()) {
		d.pos = start
		return 0, fmt.Errorf("%w: count %d at offset %d", ErrCountTooLarge, n, start)
	}
	return int(n), nil
}

// ReadStringList reads a 4-byte count followed by that many strings.
func (d *Decoder) ReadStringList() ([]string, error) {
	start := d.pos
	n, err := d.readCount(4)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := d.ReadString()
		if err != nil {
			d.pos = start
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// ReadCoord reads two consecutive doubles.
func (d *Decoder) ReadCoord() (model.Coord, error) {
	if err := d.need(16); err != nil {
		return model.Coord{}, err
	}
	x, _ := d.ReadFloat64()
	y, _ := d.ReadFloat64()
	return model.Coord{X: x, Y: y}, nil
}

// ReadCoord3D reads three doubles and drops the elevation.
func (d *Decoder) ReadCoord3D() (model.Coord, error) {
	if err := d.need(24); err != nil {
		return model.Coord{}, err
	}
	c, _ := d.ReadCoord()
	d.pos += 8
	return c, nil
}

// ReadColor reads r, g, b, a bytes.
func (d *Decoder) ReadColor() (model.Color, error) {
	b, err := d.ReadBytes(4)
	if err != nil {
		return model.Color{}, err
	}
	return model.Color{R: b[0], G: b[1], B: b[2], A: b[3]}, nil
}

// ReadPolygon reads a one-byte point count followed by the points.
func (d *Decoder) ReadPolygon() ([]model.Coord, error) {
	start := d.pos
	n, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	if int(n)*16 > d.Remaining() {
		d.pos = start
		return nil, fmt.Errorf("%w: polygon of %d points at offset %d", ErrCountTooLarge, n, start)
	}
	points := make([]model.Coord, 0, n)
	for i := 0; i < int(n); i++ {
		p, _ := d.ReadCoord()
		points = append(points, p)
	}
	return points, nil
}

// ReadBoundingBox reads lower and upper corners.
func (d *Decoder) ReadBoundingBox() (model.NetworkBounds, error) {
	if err := d.need(32); err != nil {
		return model.NetworkBounds{}, err
	}
	lower, _ := d.ReadCoord()
	upper, _ := d.ReadCoord()
	return model.NetworkBounds{Lower: lower, Upper: upper}, nil
}

// ReadLonLat reads longitude then latitude.
func (d *Decoder) ReadLonLat() (model.LonLat, error) {
	c, err := d.ReadCoord()
	if err != nil {
		return model.LonLat{}, err
	}
	return model.LonLat{Lon: c.X, Lat: c.Y}, nil
}

// ExpectType reads a type tag and fails with ErrUnexpectedType when it is not
// one of want. The matched tag is returned.
func (d *Decoder) ExpectType(want ...byte) (byte, error) {
	start := d.pos
	tag, err := d.ReadUint8()
	if err != nil {
		return 0, err
	}
	for _, w := range want {
		if tag == w {
			return tag, nil
		}
	}
	d.pos = start
	return 0, fmt.Errorf("%w: got %s (0x%02x)", ErrUnexpectedType, TypeName(tag), tag)
}
