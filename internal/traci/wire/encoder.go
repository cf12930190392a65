package wire

import (
	"math"

	"github.com/signalsfoundry/traci-sync/model"
)

// Encoder appends TraCI-encoded values to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with a small initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Reset empties the encoder, keeping the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteBytes appends raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteUint8 appends one unsigned byte.
func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteInt8 appends one signed byte.
func (e *Encoder) WriteInt8(v int8) {
	e.buf = append(e.buf, byte(v))
}

// WriteUint32 appends a big-endian uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// WriteInt32 appends a big-endian int32.
func (e *Encoder) WriteInt32(v int32) {
	e.WriteUint32(uint32(v))
}

// WriteFloat64 appends an IEEE 754 double in big-endian order.
func (e *Encoder) WriteFloat64(v float64) {
	u := math.Float64bits(v)
	e.buf = append(e.buf,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// WriteString appends a 4-byte length followed by the raw bytes.
func (e *Encoder) WriteString(s string) {
	e.WriteUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteStringList appends a 4-byte count followed by each string.
func (e *Encoder) WriteStringList(list []string) {
	e.WriteUint32(uint32(len(list)))
	for _, s := range list {
		e.WriteString(s)
	}
}

// WriteCoord appends two consecutive doubles.
func (e *Encoder) WriteCoord(c model.Coord) {
	e.WriteFloat64(c.X)
	e.WriteFloat64(c.Y)
}

// WriteColor appends r, g, b, a bytes.
func (e *Encoder) WriteColor(c model.Color) {
	e.buf = append(e.buf, c.R, c.G, c.B, c.A)
}

// WritePolygon appends a one-byte point count followed by the points. Shapes
// longer than 255 points cannot be expressed and are truncated.
func (e *Encoder) WritePolygon(points []model.Coord) {
	n := len(points)
	if n > math.MaxUint8 {
		n = math.MaxUint8
	}
	e.WriteUint8(uint8(n))
	for _, p := range points[:n] {
		e.WriteCoord(p)
	}
}

// Typed writers prefix the value with its type tag.

func (e *Encoder) WriteTypedUint8(v uint8) {
	e.WriteUint8(TypeUByte)
	e.WriteUint8(v)
}

func (e *Encoder) WriteTypedInt8(v int8) {
	e.WriteUint8(TypeByte)
	e.WriteInt8(v)
}

func (e *Encoder) WriteTypedInt32(v int32) {
	e.WriteUint8(TypeInteger)
	e.WriteInt32(v)
}

func (e *Encoder) WriteTypedFloat64(v float64) {
	e.WriteUint8(TypeDouble)
	e.WriteFloat64(v)
}

func (e *Encoder) WriteTypedString(s string) {
	e.WriteUint8(TypeString)
	e.WriteString(s)
}

func (e *Encoder) WriteTypedStringList(list []string) {
	e.WriteUint8(TypeStringList)
	e.WriteStringList(list)
}

func (e *Encoder) WriteTypedCoord(c model.Coord) {
	e.WriteUint8(TypePosition2D)
	e.WriteCoord(c)
}

func (e *Encoder) WriteTypedColor(c model.Color) {
	e.WriteUint8(TypeColor)
	e.WriteColor(c)
}

func (e *Encoder) WriteTypedPolygon(points []model.Coord) {
	e.WriteUint8(TypePolygon)
	e.WritePolygon(points)
}

// WriteCompoundHeader starts a compound value holding n typed items.
func (e *Encoder) WriteCompoundHeader(n int32) {
	e.WriteUint8(TypeCompound)
	e.WriteInt32(n)
}
