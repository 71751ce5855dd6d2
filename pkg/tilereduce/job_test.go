package tilereduce

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapgrid/tilereduce/pkg/tile"
)

func valueTransform() Transform {
	return TransformFunc(func(t tile.Tile) (any, error) { return t.String(), nil })
}

func testConfig(tiles []tile.Tile, workers int) Config {
	return Config{
		Transform:  valueTransform,
		Tiles:      tiles,
		MaxWorkers: workers,
		Output:     io.Discard,
		Quiet:      true,
	}
}

func recvTile(t *testing.T, ch <-chan tile.Tile) tile.Tile {
	t.Helper()
	select {
	case tl := <-ch:
		return tl
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return tile.Tile{}
	}
}

func assertNoTile(t *testing.T, ch <-chan tile.Tile, wait time.Duration) {
	t.Helper()
	select {
	case tl := <-ch:
		t.Fatalf("unexpected dispatch of %v", tl)
	case <-time.After(wait):
	}
}

// Scenario: a finite list fully dispatched round-robin, every tile
// producing a value.
func TestJob_RoundRobinDispatch(t *testing.T) {
	tiles := someTiles(10)
	job, err := New(testConfig(tiles, 3))
	require.NoError(t, err)

	var (
		starts, ends int
		workers      []int
		mapped       []tile.Tile
		reduced      []tile.Tile
	)
	ev := job.Events()
	ev.OnStart(func() { starts++ })
	ev.OnMap(func(tl tile.Tile, worker int) {
		workers = append(workers, worker)
		mapped = append(mapped, tl)
		// The pending-work invariant holds at every dispatch.
		assert.LessOrEqual(t, job.tilesDone, job.tilesSent)
	})
	ev.OnReduce(func(value any, tl tile.Tile) {
		reduced = append(reduced, tl)
		assert.LessOrEqual(t, job.tilesDone, job.tilesSent)
	})
	ev.OnEnd(func() { ends++ })

	require.NoError(t, job.Run())

	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}, workers)
	assert.Equal(t, tiles, mapped, "dispatch preserves input order")
	assert.ElementsMatch(t, tiles, reduced, "every tile produced a value")
	assert.Equal(t, StateEnded, job.State())
}

// Scenario: tiles with no matching data still count toward completion but
// emit no reduce event.
func TestJob_NilResultsSkipReduce(t *testing.T) {
	tiles := someTiles(10)
	cfg := testConfig(tiles, 3)
	cfg.Transform = func() Transform {
		return TransformFunc(func(tl tile.Tile) (any, error) {
			if tl.X < 4 {
				return nil, nil
			}
			return tl.String(), nil
		})
	}

	job, err := New(cfg)
	require.NoError(t, err)

	var maps, reduces, ends int
	job.Events().OnMap(func(tile.Tile, int) { maps++ })
	job.Events().OnReduce(func(any, tile.Tile) { reduces++ })
	job.Events().OnEnd(func() { ends++ })

	require.NoError(t, job.Run())

	assert.Equal(t, 10, maps)
	assert.Equal(t, 6, reduces)
	assert.Equal(t, 1, ends)
}

// Scenario: a tiny high-water mark pauses the source after two outstanding
// tiles and resumes only once the backlog drains to half the mark.
func TestJob_BackpressurePausesAndResumes(t *testing.T) {
	release := make(chan struct{})
	cfg := Config{
		Transform: func() Transform {
			return TransformFunc(func(tl tile.Tile) (any, error) {
				<-release
				return tl.String(), nil
			})
		},
		Tiles:         someTiles(5),
		MaxWorkers:    1,
		HighWaterMark: 2,
		Output:        io.Discard,
		Quiet:         true,
	}
	job, err := New(cfg)
	require.NoError(t, err)

	dispatched := make(chan tile.Tile, 16)
	job.Events().OnMap(func(tl tile.Tile, _ int) { dispatched <- tl })

	job.Start()

	// Two tiles outstanding reach the mark; the source is paused.
	recvTile(t, dispatched)
	recvTile(t, dispatched)
	assertNoTile(t, dispatched, 100*time.Millisecond)

	// One completion drops pending to 1 (mark/2); production resumes for
	// exactly one more tile before pausing again.
	release <- struct{}{}
	recvTile(t, dispatched)
	assertNoTile(t, dispatched, 100*time.Millisecond)

	// Draining the rest completes the job.
	for range 4 {
		release <- struct{}{}
	}
	require.NoError(t, job.Wait())
	assert.Equal(t, int64(5), job.tilesSent)
	assert.Equal(t, int64(5), job.tilesDone)
}

// Scenario: no region, no tile list, no caller stream and no store-backed
// source.
func TestJob_NoSourceConfigured(t *testing.T) {
	_, err := New(Config{
		Transform: valueTransform,
		Sources:   []SourceSpec{{Name: "remote", Path: "https://example.com/tiles"}},
	})
	require.ErrorIs(t, err, ErrNoTileSource)
	assert.EqualError(t, err, "No area or tiles specified for the job.")
}

// Scenario: a named source for cover that matches nothing.
func TestJob_CoverSourceNotFound(t *testing.T) {
	_, err := New(Config{
		Transform:   valueTransform,
		SourceCover: "missing",
		Sources:     []SourceSpec{{Name: "base", Path: createStoreFixture(t)}},
	})
	require.ErrorIs(t, err, ErrCoverSourceNotFound)
	assert.EqualError(t, err, "Specified source for cover not found.")
}

func TestJob_RequiresTransform(t *testing.T) {
	_, err := New(Config{Tiles: someTiles(1)})
	assert.ErrorIs(t, err, ErrNoTransform)
}

func TestJob_StreamSourcePreservesArrivalOrder(t *testing.T) {
	cfg := Config{
		Transform:  valueTransform,
		TileStream: strings.NewReader("9 9 9\n1 2 3\n0 0 0\n"),
		MaxWorkers: 2,
		Output:     io.Discard,
		Quiet:      true,
	}
	job, err := New(cfg)
	require.NoError(t, err)

	var mapped []tile.Tile
	job.Events().OnMap(func(tl tile.Tile, _ int) { mapped = append(mapped, tl) })

	require.NoError(t, job.Run())
	assert.Equal(t, []tile.Tile{
		tile.New(9, 9, 9),
		tile.New(1, 2, 3),
		tile.New(0, 0, 0),
	}, mapped)
}

func TestJob_StreamErrorSurfacesAfterDrain(t *testing.T) {
	cfg := Config{
		Transform:  valueTransform,
		TileStream: strings.NewReader("1 2 3\nnot a tile\n"),
		MaxWorkers: 1,
		Output:     io.Discard,
		Quiet:      true,
	}
	job, err := New(cfg)
	require.NoError(t, err)

	var maps, ends int
	job.Events().OnMap(func(tile.Tile, int) { maps++ })
	job.Events().OnEnd(func() { ends++ })

	err = job.Run()
	require.Error(t, err)
	assert.Equal(t, 1, maps, "tiles before the bad record are still processed")
	assert.Equal(t, 1, ends, "the job still ends cleanly")
}

func TestJob_StoreBackedSource(t *testing.T) {
	cfg := Config{
		Transform:  valueTransform,
		Sources:    []SourceSpec{{Name: "base", Path: createStoreFixture(t)}},
		MaxWorkers: 2,
		Output:     io.Discard,
		Quiet:      true,
	}
	job, err := New(cfg)
	require.NoError(t, err)

	var mapped []tile.Tile
	job.Events().OnMap(func(tl tile.Tile, _ int) { mapped = append(mapped, tl) })

	require.NoError(t, job.Run())
	assert.ElementsMatch(t, []tile.Tile{
		tile.New(0, 1, 1),
		tile.New(1, 0, 1),
		tile.New(3, 3, 2),
	}, mapped)
}

func TestJob_EmptyTileListEndsCleanly(t *testing.T) {
	cfg := Config{
		Transform:  valueTransform,
		TileStream: strings.NewReader(""),
		MaxWorkers: 2,
		Output:     io.Discard,
		Quiet:      true,
	}
	job, err := New(cfg)
	require.NoError(t, err)

	var starts, ends, maps int
	job.Events().OnStart(func() { starts++ })
	job.Events().OnMap(func(tile.Tile, int) { maps++ })
	job.Events().OnEnd(func() { ends++ })

	require.NoError(t, job.Run())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, maps)
	assert.Equal(t, 1, ends)
	assert.Equal(t, StateEnded, job.State())
}

func TestJob_TransformErrorCountsTowardCompletion(t *testing.T) {
	wantErr := errors.New("corrupt tile")
	cfg := testConfig(someTiles(4), 2)
	cfg.Transform = func() Transform {
		return TransformFunc(func(tl tile.Tile) (any, error) {
			if tl.X == 2 {
				return nil, wantErr
			}
			return tl.String(), nil
		})
	}

	job, err := New(cfg)
	require.NoError(t, err)

	var (
		reduces int
		failed  []tile.Tile
		errs    []error
	)
	job.Events().OnReduce(func(any, tile.Tile) { reduces++ })
	job.Events().OnError(func(err error, tl tile.Tile) {
		errs = append(errs, err)
		failed = append(failed, tl)
	})

	require.NoError(t, job.Run())
	assert.Equal(t, 3, reduces)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], wantErr)
	assert.Equal(t, []tile.Tile{tile.New(2, 0, 10)}, failed)
	assert.Equal(t, int64(4), job.tilesDone, "failed tiles still complete")
}

func TestJob_WorkerOutputReachesSink(t *testing.T) {
	var sink bytes.Buffer
	cfg := Config{
		Transform: func() Transform {
			return &writingTransform{}
		},
		Tiles:      someTiles(3),
		MaxWorkers: 1,
		Output:     &sink,
		Quiet:      true,
	}
	job, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, job.Run())

	records := strings.Split(strings.TrimSuffix(sink.String(), "\x1e"), "\x1e")
	assert.ElementsMatch(t, []string{"10/0/0", "10/1/0", "10/2/0"}, records)
}

type writingTransform struct {
	output *RecordWriter
}

func (w *writingTransform) Setup(_ []SourceSpec, output *RecordWriter) error {
	w.output = output
	return nil
}

func (w *writingTransform) Map(tl tile.Tile) (any, error) {
	return nil, w.output.WriteRecord([]byte(tl.ZXY()))
}

func (w *writingTransform) Close() error { return nil }

func TestJob_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(someTiles(7), 2)
	cfg.Metrics = reg

	job, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, job.Run())

	m := job.met
	assert.Equal(t, float64(7), testutil.ToFloat64(m.tilesSent))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.tilesDone))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.pending))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, DefaultHighWaterMark, cfg.HighWaterMark)
	assert.Greater(t, cfg.MaxWorkers, 0)
	assert.NotNil(t, cfg.Output)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Cover)
}
