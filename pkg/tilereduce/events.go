package tilereduce

import "github.com/mapgrid/tilereduce/pkg/tile"

// Events is the job's subscription handle. Handlers must be registered
// before the job starts; they run on the coordinator goroutine, so emission
// order matches the coordinator's event loop, not real worker completion
// time. Handlers must not block.
type Events struct {
	start  []func()
	maps   []func(t tile.Tile, worker int)
	reduce []func(value any, t tile.Tile)
	end    []func()
	errs   []func(err error, t tile.Tile)
}

// OnStart fires once, when all workers are ready and dispatch begins.
func (e *Events) OnStart(fn func()) {
	e.start = append(e.start, fn)
}

// OnMap fires once per tile at dispatch time with the assigned worker index.
func (e *Events) OnMap(fn func(t tile.Tile, worker int)) {
	e.maps = append(e.maps, fn)
}

// OnReduce fires once per non-nil result. Tiles whose transform returned
// nil still count toward completion but emit no reduce event.
func (e *Events) OnReduce(fn func(value any, t tile.Tile)) {
	e.reduce = append(e.reduce, fn)
}

// OnEnd fires once, after the source is exhausted, every dispatched tile
// has completed and the workers have been torn down.
func (e *Events) OnEnd(fn func()) {
	e.end = append(e.end, fn)
}

// OnError is the error-observing side channel for per-tile transform
// failures. Failed tiles are not retried.
func (e *Events) OnError(fn func(err error, t tile.Tile)) {
	e.errs = append(e.errs, fn)
}

func (e *Events) emitStart() {
	for _, fn := range e.start {
		fn()
	}
}

func (e *Events) emitMap(t tile.Tile, worker int) {
	for _, fn := range e.maps {
		fn(t, worker)
	}
}

func (e *Events) emitReduce(value any, t tile.Tile) {
	for _, fn := range e.reduce {
		fn(value, t)
	}
}

func (e *Events) emitEnd() {
	for _, fn := range e.end {
		fn()
	}
}

func (e *Events) emitError(err error, t tile.Tile) {
	for _, fn := range e.errs {
		fn(err, t)
	}
}
