package tilereduce

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mapgrid/tilereduce/pkg/mbtiles"
	"github.com/mapgrid/tilereduce/pkg/tile"
)

// Configuration errors raised before any worker starts.
var (
	ErrNoTileSource        = errors.New("No area or tiles specified for the job.")
	ErrCoverSourceNotFound = errors.New("Specified source for cover not found.")
	ErrNoTransform         = errors.New("No transform specified for the job.")
)

// Source is one resolved origin of tile identifiers. Exactly one source is
// active per job.
type Source interface {
	// Start begins production. Tiles arrive on the returned channel in
	// input order; the channel is closed once the source is exhausted.
	Start() <-chan tile.Tile

	// Pause suspends production until Resume. Both are idempotent and safe
	// in any order; Resume after end-of-stream is a no-op.
	Pause()
	Resume()

	// Err reports the first failure encountered while producing. Valid
	// after the tile channel has closed.
	Err() error
}

// resolveSource picks the job's single tile origin, in configuration
// precedence order: explicit tiles or a covered region, then a caller
// stream, then the first store-backed source (or the one SourceCover
// names).
func resolveSource(cfg *Config) (Source, error) {
	if len(cfg.Tiles) > 0 {
		return newSliceSource(cfg.Tiles), nil
	}
	if len(cfg.GeoJSON) > 0 {
		tiles, err := cfg.Cover(cfg.GeoJSON, cfg.Zoom)
		if err != nil {
			return nil, err
		}
		// A nil cover result defers to the remaining sources.
		if tiles != nil {
			return newSliceSource(tiles), nil
		}
	}
	if cfg.TileStream != nil {
		return newStreamSource(cfg.TileStream), nil
	}

	spec, err := storeForCover(cfg)
	if err != nil {
		return nil, err
	}
	return newStoreSource(spec.Path)
}

func storeForCover(cfg *Config) (SourceSpec, error) {
	if cfg.SourceCover != "" {
		for _, s := range cfg.Sources {
			if s.Name == cfg.SourceCover && s.HasStore() {
				return s, nil
			}
		}
		return SourceSpec{}, ErrCoverSourceNotFound
	}
	// First store-backed source wins.
	for _, s := range cfg.Sources {
		if s.HasStore() {
			return s, nil
		}
	}
	return SourceSpec{}, ErrNoTileSource
}

// gate blocks a producer goroutine while the job is paused.
type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *gate) resume() {
	g.mu.Lock()
	if g.paused {
		g.paused = false
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// wait blocks the caller until the gate is open.
func (g *gate) wait() {
	g.mu.Lock()
	for g.paused {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// sliceSource produces a finite in-memory tile list, typically the result
// of covering a region.
type sliceSource struct {
	tiles []tile.Tile
	gate  *gate
	out   chan tile.Tile
}

func newSliceSource(tiles []tile.Tile) *sliceSource {
	return &sliceSource{
		tiles: tiles,
		gate:  newGate(),
		out:   make(chan tile.Tile),
	}
}

func (s *sliceSource) Start() <-chan tile.Tile {
	go func() {
		defer close(s.out)
		for _, t := range s.tiles {
			s.gate.wait()
			s.out <- t
		}
	}()
	return s.out
}

func (s *sliceSource) Pause()     { s.gate.pause() }
func (s *sliceSource) Resume()    { s.gate.resume() }
func (s *sliceSource) Err() error { return nil }

// streamSource adapts a caller-supplied stream of "x y z" records,
// preserving arrival order.
type streamSource struct {
	r    io.Reader
	gate *gate
	out  chan tile.Tile

	mu  sync.Mutex
	err error
}

func newStreamSource(r io.Reader) *streamSource {
	return &streamSource{
		r:    r,
		gate: newGate(),
		out:  make(chan tile.Tile),
	}
}

func (s *streamSource) Start() <-chan tile.Tile {
	go func() {
		defer close(s.out)
		scanner := bufio.NewScanner(s.r)
		for scanner.Scan() {
			line := scanner.Text()
			if len(line) == 0 {
				continue
			}
			t, err := tile.Parse(line)
			if err != nil {
				s.setErr(err)
				return
			}
			s.gate.wait()
			s.out <- t
		}
		if err := scanner.Err(); err != nil {
			s.setErr(err)
		}
	}()
	return s.out
}

func (s *streamSource) Pause()  { s.gate.pause() }
func (s *streamSource) Resume() { s.gate.resume() }

func (s *streamSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *streamSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// storeSource scans a tiled-data store's native z/x/y coordinate stream.
// The store is opened at job construction so a bad path fails
// synchronously, before any worker starts.
type storeSource struct {
	reader *mbtiles.Reader
	gate   *gate
	out    chan tile.Tile

	mu  sync.Mutex
	err error
}

func newStoreSource(path string) (*storeSource, error) {
	reader, err := mbtiles.Open(path)
	if err != nil {
		return nil, err
	}
	return &storeSource{
		reader: reader,
		gate:   newGate(),
		out:    make(chan tile.Tile),
	}, nil
}

func (s *storeSource) Start() <-chan tile.Tile {
	ctx, cancel := context.WithCancel(context.Background())

	records, errc := s.reader.ZXYStream(ctx)
	go func() {
		defer close(s.out)
		defer s.reader.Close()
		defer cancel()
		for record := range records {
			t, err := tile.ParseZXY(record)
			if err != nil {
				s.setErr(err)
				cancel()
				break
			}
			s.gate.wait()
			s.out <- t
		}
		if err := <-errc; err != nil {
			s.setErr(err)
		}
	}()
	return s.out
}

func (s *storeSource) Pause()  { s.gate.pause() }
func (s *storeSource) Resume() { s.gate.resume() }

func (s *storeSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *storeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
