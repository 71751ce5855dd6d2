// Package tilereduce distributes a large, possibly unbounded sequence of
// tile identifiers across a fixed pool of workers, runs a user-supplied
// per-tile transform in each, and routes the results back to the caller.
//
// A single coordinator goroutine owns all job state: it dispatches tiles
// round-robin, counts sent against completed tiles to pause and resume the
// tile source, and detects completion once the source is exhausted and
// every dispatched tile has come back.
package tilereduce

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mapgrid/tilereduce/internal/shared/logging"
	"github.com/mapgrid/tilereduce/pkg/tile"
)

// State is the job's lifecycle phase. Transitions are forward-only.
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateWorkersStarting State = "WORKERS_STARTING"
	StateRunning         State = "RUNNING"
	StateDraining        State = "DRAINING"
	StateShuttingDown    State = "SHUTTING_DOWN"
	StateEnded           State = "ENDED"
)

// Job is one coordinated run over a tile sequence. Construct with New,
// register event handlers, then Start (or Run).
type Job struct {
	id     uuid.UUID
	cfg    Config
	events Events
	source Source
	pool   *pool
	logger logging.Logger
	met    *metrics

	// Counters and flags below are mutated only by the coordinator
	// goroutine, so they need no locks. tilesDone never exceeds tilesSent.
	tilesSent       int64
	tilesDone       int64
	paused          bool
	sourceExhausted bool

	state   atomic.Value // State
	started time.Time
	err     error
	done    chan struct{}
}

// New validates the configuration, resolves the job's single tile source
// and builds the worker pool. Configuration errors are synchronous and
// fatal: no worker starts if New fails.
func New(cfg Config) (*Job, error) {
	cfg = cfg.withDefaults()
	if cfg.Transform == nil {
		return nil, ErrNoTransform
	}

	source, err := resolveSource(&cfg)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:     uuid.New(),
		cfg:    cfg,
		source: source,
		logger: cfg.Logger,
		met:    newMetrics(cfg.Metrics),
		done:   make(chan struct{}),
	}
	j.state.Store(StateInitializing)

	output := newRecordWriter(cfg.Output)
	j.pool = newPool(cfg.MaxWorkers, cfg.Transform, cfg.Sources, output, cfg.HighWaterMark+1, cfg.Logger)

	return j, nil
}

// Events returns the job's subscription handle. Register handlers before
// calling Start.
func (j *Job) Events() *Events { return &j.events }

// State reports the current lifecycle phase.
func (j *Job) State() State { return j.state.Load().(State) }

// Start spawns the workers and the coordinator loop and returns
// immediately. Dispatch begins only after every worker has signaled
// readiness.
func (j *Job) Start() {
	j.started = time.Now()
	j.setState(StateWorkersStarting)
	j.logger.Info("Starting job",
		"job_id", j.id.String(),
		"workers", j.pool.size(),
		"high_water_mark", j.cfg.HighWaterMark,
	)
	j.pool.start()
	go j.loop()
}

// Wait blocks until the job has ended and returns the first source error
// encountered, if any.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Run is Start followed by Wait.
func (j *Job) Run() error {
	j.Start()
	return j.Wait()
}

// loop is the coordinator: a single-threaded event loop reacting to source
// tiles, worker messages and the status tick. It never blocks on a worker.
func (j *Job) loop() {
	var (
		tiles <-chan tile.Tile
		ready int
	)

	var status *statusLine
	if !j.cfg.Quiet {
		status = newStatusLine(j.started)
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		// While paused, stop draining the source so the already-produced
		// in-flight tile is the only work the producer can hold.
		tileCh := tiles
		if j.paused {
			tileCh = nil
		}

		select {
		case t, ok := <-tileCh:
			if !ok {
				tiles = nil
				j.sourceExhausted = true
				if err := j.source.Err(); err != nil {
					j.fail(err)
				}
				if j.completed() {
					j.shutdown(status)
					return
				}
				j.setState(StateDraining)
				j.logger.Debug("Source exhausted, draining",
					"job_id", j.id.String(),
					"pending", j.pending(),
				)
				continue
			}
			j.dispatch(t)

		case m := <-j.pool.messages:
			switch m.kind {
			case messageReady:
				ready++
				j.logger.Debug("Worker ready", "worker", m.worker)
				if ready == j.pool.size() {
					j.setState(StateRunning)
					j.events.emitStart()
					tiles = j.source.Start()
				}
			case messageResult:
				j.complete(m)
				if j.completed() {
					j.shutdown(status)
					return
				}
			}

		case <-ticker.C:
			if status != nil {
				status.update(j.tilesDone)
			}
		}
	}
}

// dispatch assigns the tile to the next worker in round-robin order and
// applies the high-water mark.
func (j *Job) dispatch(t tile.Tile) {
	index := int(j.tilesSent % int64(j.pool.size()))
	j.pool.sendTile(index, t)
	j.tilesSent++
	j.met.sent()
	j.events.emitMap(t, index)

	if !j.paused && j.pending() >= int64(j.cfg.HighWaterMark) {
		j.paused = true
		j.source.Pause()
		j.logger.Debug("Paused tile source",
			"job_id", j.id.String(),
			"pending", j.pending(),
		)
	}
}

// complete records one finished tile and resumes the source once the
// backlog has drained to half the high-water mark (hysteresis).
func (j *Job) complete(m message) {
	j.tilesDone++
	j.met.done()

	if m.err != nil {
		// Failed tiles count toward completion but are not retried.
		j.events.emitError(m.err, m.tile)
		j.logger.Error("Tile failed",
			"job_id", j.id.String(),
			"tile", m.tile.String(),
			"worker", m.worker,
			"error", m.err,
		)
	} else if m.value != nil {
		j.events.emitReduce(m.value, m.tile)
	}

	if j.paused && j.pending() <= int64(j.cfg.HighWaterMark/2) {
		j.paused = false
		j.source.Resume()
		j.logger.Debug("Resumed tile source",
			"job_id", j.id.String(),
			"pending", j.pending(),
		)
	}
}

func (j *Job) pending() int64 {
	return j.tilesSent - j.tilesDone
}

// completed is the single completion condition, checked after source
// exhaustion and after every finished tile.
func (j *Job) completed() bool {
	return j.sourceExhausted && j.tilesSent == j.tilesDone
}

// shutdown tears the job down exactly once: only the coordinator loop calls
// it, and the loop returns immediately afterwards, so neither code path
// that observes completion can fire it twice.
func (j *Job) shutdown(status *statusLine) {
	j.setState(StateShuttingDown)
	j.pool.terminate()
	if status != nil {
		status.finish(j.tilesDone)
	}
	j.setState(StateEnded)
	j.logger.Info("Job ended",
		"job_id", j.id.String(),
		"tiles", j.tilesDone,
		"elapsed", time.Since(j.started).Round(time.Millisecond).String(),
	)
	j.events.emitEnd()
	close(j.done)
}

func (j *Job) fail(err error) {
	if j.err == nil {
		j.err = err
	}
}

func (j *Job) setState(s State) {
	j.state.Store(s)
}
