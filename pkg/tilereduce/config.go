package tilereduce

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mapgrid/tilereduce/internal/shared/logging"
	"github.com/mapgrid/tilereduce/pkg/cover"
	"github.com/mapgrid/tilereduce/pkg/tile"
)

// DefaultHighWaterMark bounds the tile backlog: production pauses once this
// many dispatched tiles are outstanding and resumes at half of it.
const DefaultHighWaterMark = 5000

// SourceSpec names one tiled-data source workers may open on their own.
type SourceSpec struct {
	Name string
	Path string
}

// HasStore reports whether the source is backed by a local MBTiles store
// that can be scanned for tile coordinates.
func (s SourceSpec) HasStore() bool {
	return strings.HasSuffix(s.Path, ".mbtiles")
}

// CoverFunc converts a GeoJSON region into a finite ordered tile list at the
// given zoom. A nil tile list (with nil error) means "use another source".
type CoverFunc func(geoJSON []byte, zoom uint32) ([]tile.Tile, error)

// Config describes one job. Exactly one of Tiles, GeoJSON, TileStream or a
// store-backed entry in Sources must provide the job's tiles.
type Config struct {
	// Transform builds one per-tile computation per worker. Required.
	Transform func() Transform

	// Sources lists the named tiled-data sources handed to every worker.
	Sources []SourceSpec

	// Tiles is an explicit finite tile list.
	Tiles []tile.Tile

	// GeoJSON is a region to cover at Zoom.
	GeoJSON []byte
	Zoom    uint32

	// TileStream supplies "x y z" records, one per line, in arrival order.
	TileStream io.Reader

	// SourceCover names the source whose store enumerates the job's tiles.
	SourceCover string

	// Cover overrides the covering function applied to GeoJSON.
	Cover CoverFunc

	// HighWaterMark is the pending-tile pause threshold.
	HighWaterMark int

	// MaxWorkers caps the worker count. Defaults to runtime.GOMAXPROCS(0).
	MaxWorkers int

	// Output receives the workers' framed byte records. Defaults to stdout.
	Output io.Writer

	// Quiet suppresses the periodic status line.
	Quiet bool

	Logger  logging.Logger
	Metrics prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	if c.Cover == nil {
		c.Cover = cover.Tiles
	}
	return c
}
