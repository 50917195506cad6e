// Package equalize runs the zoned pressure equalization pass: partition the
// high pressure delta cells into zones, plan transfers toward each zone's
// average in parallel, then commit them.
package equalize

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"atmos.ai/internal/sim/callbacks"
	"atmos.ai/internal/sim/turfs"
)

type Config struct {
	HardTurfLimit     int
	PlanetEnabled     bool
	MinMolesDelta     float64
	Workers           int
	SlowDecompression bool
	DecompRemoveRatio float64
}

func DefaultConfig() Config {
	return Config{
		HardTurfLimit:     2000,
		PlanetEnabled:     true,
		MinMolesDelta:     0.5,
		SlowDecompression: false,
		DecompRemoveRatio: 4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.HardTurfLimit <= 0 {
		c.HardTurfLimit = d.HardTurfLimit
	}
	if c.MinMolesDelta < 0 {
		c.MinMolesDelta = 0
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.DecompRemoveRatio <= 0 {
		c.DecompRemoveRatio = d.DecompRemoveRatio
	}
	return c
}

// Result describes one scheduler pass.
type Result struct {
	// Processed counts the cells planned this pass.
	Processed int64
	Cancelled bool
	Zones     int
	Events    int
}

type Equalizer struct {
	graph   *turfs.Graph
	queue   *callbacks.Queue
	host    Host
	handoff *Handoff
	cfg     Config

	now func() time.Time

	processedTotal atomic.Uint64
	cancelledTotal atomic.Uint64
	passesTotal    atomic.Uint64
}

func New(g *turfs.Graph, q *callbacks.Queue, host Host, cfg Config) *Equalizer {
	return &Equalizer{
		graph:   g,
		queue:   q,
		host:    host,
		handoff: NewHandoff(),
		cfg:     cfg.normalized(),
		now:     time.Now,
	}
}

func (e *Equalizer) Config() Config    { return e.cfg }
func (e *Equalizer) Handoff() *Handoff { return e.handoff }

// SetClock replaces the time source used for budget checks.
func (e *Equalizer) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

type Stats struct {
	PassesTotal    uint64 `json:"passes_total"`
	ProcessedTotal uint64 `json:"processed_total"`
	CancelledTotal uint64 `json:"cancelled_total"`
	DroppedBatches uint64 `json:"dropped_batches"`
}

// RestoreStats seeds the pass counters, e.g. when resuming from a snapshot.
// DroppedBatches is owned by the handoff and is not restored.
func (e *Equalizer) RestoreStats(s Stats) {
	e.passesTotal.Store(s.PassesTotal)
	e.processedTotal.Store(s.ProcessedTotal)
	e.cancelledTotal.Store(s.CancelledTotal)
}

func (e *Equalizer) Stats() Stats {
	return Stats{
		PassesTotal:    e.passesTotal.Load(),
		ProcessedTotal: e.processedTotal.Load(),
		CancelledTotal: e.cancelledTotal.Load(),
		DroppedBatches: e.handoff.Dropped(),
	}
}

// Equalize takes the pending batch, if any, and runs one pass over it with
// the graph read lock held. The budget is checked after zone detection and
// after planning; a cancelled pass commits nothing.
func (e *Equalizer) Equalize(budget time.Duration) (Result, error) {
	start := e.now()
	batch, ok := e.handoff.TryTake()
	if !ok {
		return Result{}, nil
	}
	var (
		res Result
		err error
	)
	e.graph.Read(func(v *turfs.View) {
		res, err = e.equalize(v, batch, start, budget)
	})
	if err != nil {
		return res, err
	}
	e.passesTotal.Add(1)
	e.processedTotal.Add(uint64(res.Processed))
	if res.Cancelled {
		e.cancelledTotal.Add(1)
	}
	return res, nil
}

func (e *Equalizer) overBudget(start time.Time, budget time.Duration) bool {
	return e.now().Sub(start) >= budget
}

func (e *Equalizer) equalize(v *turfs.View, batch Batch, start time.Time, budget time.Duration) (Result, error) {
	zones, err := e.detectZones(v, batch)
	if err != nil {
		return Result{}, err
	}
	res := Result{Zones: len(zones)}
	if e.overBudget(start, budget) {
		res.Cancelled = true
		return res, nil
	}

	pool := v.Pool()
	var processed atomic.Int64
	plans := make([]*plan, len(zones))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, z := range zones {
		i, z := i, z
		g.Go(func() error {
			moles, err := readMoles(pool, z)
			if err != nil {
				return err
			}
			plans[i] = redistribute(z, moles, e.cfg.MinMolesDelta)
			processed.Add(int64(z.len()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Processed = processed.Load()
	if e.overBudget(start, budget) {
		res.Cancelled = true
		return res, nil
	}

	events := make([][]PressureEvent, len(plans))
	var fg errgroup.Group
	fg.SetLimit(e.cfg.Workers)
	for i, p := range plans {
		i, p := i, p
		fg.Go(func() error {
			evs, err := finalizeZone(pool, p)
			events[i] = evs
			return err
		})
	}
	if err := fg.Wait(); err != nil {
		return res, err
	}
	for _, evs := range events {
		res.Events += len(evs)
		e.emitPressureEvents(evs)
	}
	return res, nil
}

func (e *Equalizer) emitPressureEvents(evs []PressureEvent) {
	if e.host == nil {
		return
	}
	for _, ev := range evs {
		ev := ev
		e.queue.TrySend(func() error { return e.host.ConsiderPressureDifference(ev) })
	}
}
