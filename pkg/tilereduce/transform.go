package tilereduce

import (
	"io"
	"sync"

	"github.com/mapgrid/tilereduce/pkg/tile"
)

// Transform is the user computation a worker runs once per tile. Every
// worker owns its own instance, so implementations may keep worker-local
// state such as open store handles without synchronization.
type Transform interface {
	// Setup runs once before any tile is delivered. The worker may open its
	// own read-only handles to the configured sources here. Output carries
	// the worker's framed byte records to the job sink.
	Setup(sources []SourceSpec, output *RecordWriter) error

	// Map processes one tile and returns its reduce value. A nil value
	// means the tile produced no output; it still counts as completed.
	Map(t tile.Tile) (any, error)

	// Close releases anything opened in Setup.
	Close() error
}

// TransformFunc adapts a bare per-tile function into a Transform with no
// worker-local state.
type TransformFunc func(t tile.Tile) (any, error)

func (f TransformFunc) Setup([]SourceSpec, *RecordWriter) error { return nil }

func (f TransformFunc) Map(t tile.Tile) (any, error) { return f(t) }

func (f TransformFunc) Close() error { return nil }

// recordSeparator frames worker byte records in the shared output sink.
const recordSeparator = 0x1E

// RecordWriter serializes framed byte records from concurrent workers into
// the job's output sink. This is a bulk data path, independent of the
// event bus.
type RecordWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// WriteRecord writes one record followed by the record separator. The
// record bytes pass through verbatim.
func (rw *RecordWriter) WriteRecord(p []byte) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if _, err := rw.w.Write(p); err != nil {
		return err
	}
	_, err := rw.w.Write([]byte{recordSeparator})
	return err
}
