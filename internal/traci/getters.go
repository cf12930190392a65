package traci

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
	"github.com/signalsfoundry/traci-sync/model"
)

// Get issues a get command and checks that the result carries one of the
// accepted type tags. A tag mismatch means the response answers a different
// question and breaks the channel.
func (c *Channel) Get(ctx context.Context, cmd byte, objectID string, variable byte, kinds ...byte) (wire.Value, error) {
	return c.GetWithParams(ctx, cmd, objectID, variable, nil, kinds...)
}

// GetWithParams is Get for variables that take typed parameters, such as
// distance requests and position conversions.
func (c *Channel) GetWithParams(ctx context.Context, cmd byte, objectID string, variable byte, params []byte, kinds ...byte) (wire.Value, error) {
	res, err := c.Execute(ctx, cmd, objectID, variable, params)
	if err != nil {
		return wire.Value{}, err
	}
	if res == nil {
		return wire.Value{}, c.fail(ctx, cmd, variable, objectID, fmt.Errorf("%w: get command 0x%02x returned no result", ErrProtocol, cmd))
	}
	if len(kinds) == 0 {
		return res.Value, nil
	}
	for _, k := range kinds {
		if res.Value.Type == k {
			return res.Value, nil
		}
	}
	return wire.Value{}, c.fail(ctx, cmd, variable, objectID, fmt.Errorf("%w: %w: got %s, want %s",
		ErrProtocol, wire.ErrUnexpectedType, wire.TypeName(res.Value.Type), wire.TypeName(kinds[0])))
}

func (c *Channel) GetString(ctx context.Context, cmd byte, objectID string, variable byte) (string, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypeString)
	return v.Text, err
}

func (c *Channel) GetInt(ctx context.Context, cmd byte, objectID string, variable byte) (int32, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypeInteger)
	return v.Int, err
}

func (c *Channel) GetDouble(ctx context.Context, cmd byte, objectID string, variable byte) (float64, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypeDouble)
	return v.Double, err
}

// GetCoord accepts both 2D and 3D positions; elevation is dropped.
func (c *Channel) GetCoord(ctx context.Context, cmd byte, objectID string, variable byte) (model.Coord, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypePosition2D, wire.TypePosition3D)
	return v.Coord, err
}

func (c *Channel) GetStringList(ctx context.Context, cmd byte, objectID string, variable byte) ([]string, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypeStringList)
	return v.Strings, err
}

// GetCoordList reads a polygon-typed shape.
func (c *Channel) GetCoordList(ctx context.Context, cmd byte, objectID string, variable byte) ([]model.Coord, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypePolygon)
	return v.Coords, err
}

func (c *Channel) GetColor(ctx context.Context, cmd byte, objectID string, variable byte) (model.Color, error) {
	v, err := c.Get(ctx, cmd, objectID, variable, wire.TypeColor)
	return v.Color, err
}

// Set issues a set command. payload must already start with its type tag.
func (c *Channel) Set(ctx context.Context, cmd byte, objectID string, variable byte, payload []byte) error {
	_, err := c.Execute(ctx, cmd, objectID, variable, payload)
	return err
}
