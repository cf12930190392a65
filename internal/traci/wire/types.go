// Package wire implements the TraCI binary encoding: fixed-width big-endian
// primitives, 4-byte length-prefixed strings and lists, typed values, command
// envelopes and the outer length-prefixed message frame.
//
// Message layout:
//
//	┌────────────────────────────┬──────────────────────────────────────┐
//	│ Message length (4 bytes,   │ Command 1 │ Command 2 │ ...          │
//	│ big-endian, incl. itself)  │           │           │              │
//	└────────────────────────────┴──────────────────────────────────────┘
//
// Command layout (short form, total length ≤ 255):
//
//	┌────────────┬────────────┬──────────────────┐
//	│ Length u8  │ Command u8 │ Content          │
//	└────────────┴────────────┴──────────────────┘
//
// Long form replaces the length byte with 0x00 followed by a u32 length.
package wire

import "errors"

// Type tags prefix every typed value on the wire.
const (
	TypeLonLat      byte = 0x00
	TypePosition2D  byte = 0x01
	TypePosition3D  byte = 0x03
	TypeBoundingBox byte = 0x05
	TypePolygon     byte = 0x06
	TypeUByte       byte = 0x07
	TypeByte        byte = 0x08
	TypeInteger     byte = 0x09
	TypeDouble      byte = 0x0B
	TypeString      byte = 0x0C
	TypeStringList  byte = 0x0E
	TypeCompound    byte = 0x0F
	TypeColor       byte = 0x11
)

// TypeName returns a readable name for a type tag.
func TypeName(tag byte) string {
	switch tag {
	case TypeLonLat:
		return "lonlat"
	case TypePosition2D:
		return "position2d"
	case TypePosition3D:
		return "position3d"
	case TypeBoundingBox:
		return "boundingbox"
	case TypePolygon:
		return "polygon"
	case TypeUByte:
		return "ubyte"
	case TypeByte:
		return "byte"
	case TypeInteger:
		return "integer"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeStringList:
		return "stringlist"
	case TypeCompound:
		return "compound"
	case TypeColor:
		return "color"
	default:
		return "unknown"
	}
}

// Limits applied while decoding untrusted length prefixes.
const (
	// MaxMessageSize bounds a single inbound message.
	MaxMessageSize = 64 * 1024 * 1024

	// MaxStringSize bounds a single decoded string.
	MaxStringSize = 4 * 1024 * 1024

	// MaxListCount bounds the element count of a decoded list.
	MaxListCount = 1_000_000

	// MessageHeaderSize is the size of the outer length prefix.
	MessageHeaderSize = 4
)

// Decoding errors. All of them mean the buffer does not hold what the caller
// expected; callers treat them as wire desync.
var (
	ErrBufferTooShort  = errors.New("wire: buffer too short")
	ErrCountTooLarge   = errors.New("wire: declared count exceeds buffer")
	ErrUnexpectedType  = errors.New("wire: unexpected type tag")
	ErrInvalidLength   = errors.New("wire: invalid length prefix")
	ErrMessageTooLarge = errors.New("wire: message exceeds size limit")
)
