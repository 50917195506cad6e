package world

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/callbacks"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

type WorldConfig struct {
	ID                 string
	TickRateHz         int
	SnapshotEveryTicks int

	Equalize          equalize.Config
	EqualizeBudget    time.Duration
	CallbackQueueSize int
	CallbackBudget    time.Duration
	// HighPressureDelta is the neighbor mole difference that queues a cell
	// for equalization.
	HighPressureDelta float64

	// Width and Height describe a generated grid; zero for imported maps.
	Width  int
	Height int
}

// Builder populates the empty graph of a new world.
type Builder func(m *turfs.Mutator) error

// World hosts one equalization engine. Host-side state is only touched from
// the world loop goroutine; callbacks run there too.
type World struct {
	cfg      WorldConfig
	catalogs *catalogs.Catalogs
	runID    string
	log      *log.Logger

	tick atomic.Uint64

	pool  *gas.Pool
	graph *turfs.Graph
	queue *callbacks.Queue
	eq    *equalize.Equalizer

	cells map[turfs.CellID]*CellState
	// hpd collects cells the host flagged since the last batch.
	hpd map[turfs.CellID]struct{}

	costEqualize         float64
	numEqualizeProcessed int64
	counters             counters

	// Filled by host callbacks during a tick, drained by step.
	tickEvents []EventLogEntry

	observers map[string]*observerClient

	observerJoin  chan ObserverJoinRequest
	observerLeave chan string
	reload        chan reloadReq
	edits         chan editReq
	snapshotReq   chan snapshotReq
	stop          chan struct{}
	stopped       atomic.Bool

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	eventLogger EventLogger

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1

	metrics atomic.Pointer[Metrics]
}

type counters struct {
	pressureEvents  uint64
	decompressions  uint64
	firelocks       uint64
	diagnostics     uint64
	floorRipMoles   float64
	equalizeErrors  uint64
	lastEqualizeErr string
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type EventLogger interface {
	WriteEvent(entry EventLogEntry) error
}

// New builds a world around an installed species registry. cats must carry a
// species catalog; build fills the graph.
func New(cfg WorldConfig, cats *catalogs.Catalogs, logger *log.Logger, build Builder) (*World, error) {
	if cats == nil || cats.Species.Registry == nil {
		return nil, fmt.Errorf("world: %w: no species catalog", gas.ErrUnresolvableSpecies)
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 2
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[world] ", log.LstdFlags|log.Lmicroseconds)
	}
	gas.Install(cats.Species.Registry)

	pool := gas.NewPool(cfg.Width * cfg.Height)
	graph := turfs.New(pool)
	if build != nil {
		if err := graph.Write(func(m *turfs.Mutator) error { return build(m) }); err != nil {
			return nil, fmt.Errorf("world: build: %w", err)
		}
	}

	w := &World{
		cfg:           cfg,
		catalogs:      cats,
		runID:         uuid.NewString(),
		log:           logger,
		pool:          pool,
		graph:         graph,
		queue:         callbacks.NewQueue(cfg.CallbackQueueSize),
		cells:         map[turfs.CellID]*CellState{},
		hpd:           map[turfs.CellID]struct{}{},
		observers:     map[string]*observerClient{},
		observerJoin:  make(chan ObserverJoinRequest, 64),
		observerLeave: make(chan string, 64),
		reload:        make(chan reloadReq, 4),
		edits:         make(chan editReq, 64),
		snapshotReq:   make(chan snapshotReq, 4),
		stop:          make(chan struct{}),
	}
	w.eq = equalize.New(graph, w.queue, w, cfg.Equalize)
	w.queue.SetReporter(w.ReportDiagnostic)
	w.publishMetrics(TickLogEntry{TotalMoles: w.totalMoles()})
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetEventLogger(l EventLogger)                  { w.eventLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) Config() WorldConfig                      { return w.cfg }
func (w *World) RunID() string                            { return w.runID }
func (w *World) CurrentTick() uint64                      { return w.tick.Load() }
func (w *World) Graph() *turfs.Graph                      { return w.graph }
func (w *World) Equalizer() *equalize.Equalizer           { return w.eq }
func (w *World) Catalogs() *catalogs.Catalogs             { return w.catalogs }
func (w *World) ObserverJoin() chan<- ObserverJoinRequest { return w.observerJoin }
func (w *World) ObserverLeave() chan<- string             { return w.observerLeave }

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.observerJoin:
			w.handleObserverJoin(req)
		case id := <-w.observerLeave:
			w.handleObserverLeave(id)
		case req := <-w.edits:
			req.resp <- w.applyEdit(req.fn)
		case req := <-w.reload:
			req.resp <- w.reloadSpecies(req.cat)
		case req := <-w.snapshotReq:
			snap, err := w.ExportSnapshot()
			req.resp <- snapshotResp{snap: snap, err: err}
		case <-ticker.C:
			w.step()
		}
	}
}

func (w *World) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stop)
	}
}

// shutdown drops work that can no longer run: the pending batch and any
// queued callbacks.
func (w *World) shutdown() {
	batch := w.eq.Handoff().Flush()
	dropped := w.queue.Flush()
	if batch || dropped > 0 {
		w.log.Printf("shutdown: flushed pending batch=%v callbacks=%d", batch, dropped)
	}
	for id := range w.observers {
		w.handleObserverLeave(id)
	}
}

type snapshotReq struct {
	resp chan snapshotResp
}

type snapshotResp struct {
	snap snapshot.SnapshotV1
	err  error
}

// RequestSnapshot asks the running world loop for a snapshot.
func (w *World) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	req := snapshotReq{resp: make(chan snapshotResp, 1)}
	select {
	case w.snapshotReq <- req:
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.snap, r.err
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
}
