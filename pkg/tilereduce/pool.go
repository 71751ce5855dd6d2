package tilereduce

import (
	"sync"

	"github.com/mapgrid/tilereduce/internal/shared/logging"
	"github.com/mapgrid/tilereduce/pkg/tile"
)

type messageKind int

const (
	// messageReady is a worker's one-time readiness signal, emitted after
	// its transform finished setup.
	messageReady messageKind = iota
	// messageResult carries one completed tile back to the coordinator.
	messageResult
)

type message struct {
	kind   messageKind
	worker int
	tile   tile.Tile
	value  any
	err    error
}

type worker struct {
	index     int
	inbox     chan tile.Tile
	transform Transform
}

// pool owns the job's workers. Each worker runs its own Transform instance
// and may open its own read-only handles to the configured sources; the
// coordinator never routes tile content.
type pool struct {
	workers  []*worker
	messages chan message
	sources  []SourceSpec
	output   *RecordWriter
	logger   logging.Logger

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// newPool builds n workers. Inboxes are sized so that dispatch never blocks
// the coordinator: backpressure caps outstanding tiles at the high-water
// mark plus the single in-flight tile the producer may already hold.
func newPool(n int, factory func() Transform, sources []SourceSpec, output *RecordWriter, inboxCap int, logger logging.Logger) *pool {
	p := &pool{
		workers:  make([]*worker, n),
		messages: make(chan message, n),
		sources:  sources,
		output:   output,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = &worker{
			index:     i,
			inbox:     make(chan tile.Tile, inboxCap),
			transform: factory(),
		}
	}
	return p
}

func (p *pool) size() int { return len(p.workers) }

func (p *pool) start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}
}

// sendTile dispatches one tile to the indexed worker. Fire-and-forget: the
// inbox buffer absorbs it even while the worker is busy.
func (p *pool) sendTile(index int, t tile.Tile) {
	p.workers[index].inbox <- t
}

func (p *pool) run(w *worker) {
	defer p.wg.Done()

	if err := w.transform.Setup(p.sources, p.output); err != nil {
		// The readiness handshake never completes for this worker; the
		// failure surfaces only through the diagnostic log.
		p.logger.Error("Worker setup failed", "worker", w.index, "error", err)
		return
	}
	defer func() {
		if err := w.transform.Close(); err != nil {
			p.logger.Error("Worker close failed", "worker", w.index, "error", err)
		}
	}()

	p.send(message{kind: messageReady, worker: w.index})

	for {
		select {
		case <-p.stop:
			return
		case t, ok := <-w.inbox:
			if !ok {
				return
			}
			value, err := w.transform.Map(t)
			p.send(message{kind: messageResult, worker: w.index, tile: t, value: value, err: err})
		}
	}
}

// send delivers a message to the coordinator unless the pool is being torn
// down, so a worker finishing its last tile can never block termination.
func (p *pool) send(m message) {
	select {
	case p.messages <- m:
	case <-p.stop:
	}
}

// terminate forcibly stops every worker and waits for them to exit.
// Idempotent and safe with workers in any state.
func (p *pool) terminate() {
	p.once.Do(func() {
		close(p.stop)
		for _, w := range p.workers {
			close(w.inbox)
		}
		p.wg.Wait()
	})
}
