// Package cover converts a GeoJSON region into the set of tiles
// intersecting it at a fixed zoom.
package cover

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"

	"github.com/mapgrid/tilereduce/pkg/tile"
)

// Tiles computes the tiles at the given zoom intersecting the GeoJSON
// region. The region may be a FeatureCollection, a Feature or a bare
// geometry. The result is ordered ascending by (x, y) so runs over the
// same region are reproducible.
func Tiles(geoJSON []byte, zoom uint32) ([]tile.Tile, error) {
	geom, err := parseGeometry(geoJSON)
	if err != nil {
		return nil, err
	}

	set, err := tilecover.Geometry(geom, maptile.Zoom(zoom))
	if err != nil {
		return nil, fmt.Errorf("covering region at zoom %d: %w", zoom, err)
	}

	tiles := make([]tile.Tile, 0, len(set))
	for mt, ok := range set {
		if !ok {
			continue
		}
		tiles = append(tiles, tile.New(mt.X, mt.Y, uint32(mt.Z)))
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles, nil
}

func parseGeometry(geoJSON []byte) (orb.Geometry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(geoJSON, &probe); err != nil {
		return nil, fmt.Errorf("parsing region geojson: %w", err)
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(geoJSON)
		if err != nil {
			return nil, fmt.Errorf("parsing region geojson: %w", err)
		}
		geoms := make([]orb.Geometry, 0, len(fc.Features))
		for _, f := range fc.Features {
			if f.Geometry != nil {
				geoms = append(geoms, f.Geometry)
			}
		}
		if len(geoms) == 0 {
			return nil, fmt.Errorf("region has no geometries")
		}
		if len(geoms) == 1 {
			return geoms[0], nil
		}
		return orb.Collection(geoms), nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(geoJSON)
		if err != nil {
			return nil, fmt.Errorf("parsing region geojson: %w", err)
		}
		if f.Geometry == nil {
			return nil, fmt.Errorf("region has no geometries")
		}
		return f.Geometry, nil
	default:
		g, err := geojson.UnmarshalGeometry(geoJSON)
		if err != nil {
			return nil, fmt.Errorf("parsing region geojson: %w", err)
		}
		return g.Geometry(), nil
	}
}
