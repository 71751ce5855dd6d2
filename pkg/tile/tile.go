package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Tile addresses one unit of spatial work by its XYZ map coordinate.
// Immutable once produced.
type Tile struct {
	X uint32
	Y uint32
	Z uint32
}

func New(x, y, z uint32) Tile {
	return Tile{X: x, Y: y, Z: z}
}

// Parse reads a tile from an "x y z" record. Fields may be separated by any
// mix of spaces, tabs or commas.
func Parse(record string) (Tile, error) {
	fields := split(record)
	if len(fields) != 3 {
		return Tile{}, fmt.Errorf("malformed tile record %q: want 3 fields, got %d", record, len(fields))
	}
	return fromFields(record, fields[0], fields[1], fields[2])
}

// ParseZXY reads a tile from a "z/x/y" record, the native coordinate order
// of tiled-data stores.
func ParseZXY(record string) (Tile, error) {
	fields := strings.Split(strings.TrimSpace(record), "/")
	if len(fields) != 3 {
		return Tile{}, fmt.Errorf("malformed z/x/y record %q: want 3 fields, got %d", record, len(fields))
	}
	return fromFields(record, fields[1], fields[2], fields[0])
}

func fromFields(record, x, y, z string) (Tile, error) {
	coords := [3]uint32{}
	for i, field := range []string{x, y, z} {
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return Tile{}, fmt.Errorf("malformed tile record %q: %w", record, err)
		}
		coords[i] = uint32(v)
	}
	t := Tile{X: coords[0], Y: coords[1], Z: coords[2]}
	if t.Z > 0 && (t.X >= 1<<t.Z || t.Y >= 1<<t.Z) || t.Z == 0 && (t.X != 0 || t.Y != 0) {
		return Tile{}, fmt.Errorf("tile record %q out of range for zoom %d", record, t.Z)
	}
	return t, nil
}

func split(record string) []string {
	return strings.FieldsFunc(record, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
}

func (t Tile) String() string {
	return fmt.Sprintf("%d %d %d", t.X, t.Y, t.Z)
}

// ZXY renders the tile in store-native "z/x/y" order.
func (t Tile) ZXY() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
