package wire

import (
	"fmt"

	"github.com/signalsfoundry/traci-sync/model"
)

// Value is a decoded typed value. Only the field matching Type is set.
type Value struct {
	Type byte

	Int     int32
	Double  float64
	Text    string
	Strings []string
	Coord   model.Coord
	Coords  []model.Coord
	Color   model.Color
	LonLat  model.LonLat
	Bounds  model.NetworkBounds
	Items   []Value
}

func (v Value) String() string {
	switch v.Type {
	case TypeUByte, TypeByte, TypeInteger:
		return fmt.Sprintf("%d", v.Int)
	case TypeDouble:
		return fmt.Sprintf("%g", v.Double)
	case TypeString:
		return v.Text
	case TypeStringList:
		return fmt.Sprintf("%v", v.Strings)
	case TypePosition2D, TypePosition3D:
		return v.Coord.String()
	default:
		return fmt.Sprintf("<%s>", TypeName(v.Type))
	}
}

// maxCompoundDepth stops hostile input from recursing without bound.
const maxCompoundDepth = 8

// ReadTypedValue reads a type tag and the value it announces.
func (d *Decoder) ReadTypedValue() (Value, error) {
	return d.readTypedValue(0)
}

func (d *Decoder) readTypedValue(depth int) (Value, error) {
	start := d.pos
	tag, err := d.ReadUint8()
	if err != nil {
		return Value{}, err
	}
	v := Value{Type: tag}
	switch tag {
	case TypeUByte:
		var b uint8
		b, err = d.ReadUint8()
		v.Int = int32(b)
	case TypeByte:
		var b int8
		b, err = d.ReadInt8()
		v.Int = int32(b)
	case TypeInteger:
		v.Int, err = d.ReadInt32()
	case TypeDouble:
		v.Double, err = d.ReadFloat64()
	case TypeString:
		v.Text, err = d.ReadString()
	case TypeStringList:
		v.Strings, err = d.ReadStringList()
	case TypePosition2D:
		v.Coord, err = d.ReadCoord()
	case TypePosition3D:
		v.Coord, err = d.ReadCoord3D()
	case TypeLonLat:
		v.LonLat, err = d.ReadLonLat()
	case TypeBoundingBox:
		v.Bounds, err = d.ReadBoundingBox()
	case TypePolygon:
		v.Coords, err = d.ReadPolygon()
	case TypeColor:
		v.Color, err = d.ReadColor()
	case TypeCompound:
		if depth >= maxCompoundDepth {
			err = fmt.Errorf("%w: compound nesting deeper than %d", ErrUnexpectedType, maxCompoundDepth)
			break
		}
		var n int
		n, err = d.readCount(1)
		if err != nil {
			break
		}
		v.Items = make([]Value, 0, n)
		for i := 0; i < n; i++ {
			var item Value
			item, err = d.readTypedValue(depth + 1)
			if err != nil {
				break
			}
			v.Items = append(v.Items, item)
		}
	default:
		err = fmt.Errorf("%w: 0x%02x", ErrUnexpectedType, tag)
	}
	if err != nil {
		d.pos = start
		return Value{}, err
	}
	return v, nil
}
