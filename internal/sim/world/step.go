package world

import (
	"math"
	"time"

	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

// Step runs one tick synchronously. It must not be called while Run is active.
func (w *World) Step() TickLogEntry { return w.step() }

func (w *World) step() TickLogEntry {
	tick := w.tick.Load()
	w.resetPressure()

	entry := TickLogEntry{Tick: tick, RunID: w.runID}
	batch := w.collectBatch()
	entry.Batch = len(batch)
	if len(batch) > 0 {
		entry.Submitted = w.eq.Handoff().Submit(batch)
	}

	start := time.Now()
	res, err := w.eq.Equalize(w.cfg.EqualizeBudget)
	entry.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	w.costEqualize = 0.8*w.costEqualize + 0.2*entry.ElapsedMs
	w.numEqualizeProcessed = res.Processed
	if err != nil {
		w.counters.equalizeErrors++
		w.counters.lastEqualizeErr = err.Error()
		entry.Err = err.Error()
		w.log.Printf("tick %d: equalize: %v", tick, err)
	}
	entry.Processed = res.Processed
	entry.Cancelled = res.Cancelled
	entry.Zones = res.Zones
	entry.Events = res.Events
	entry.CostEqualize = w.costEqualize

	cb := w.queue.Process(w.cfg.CallbackBudget)
	entry.CallbacksRan = cb.Ran
	entry.CallbacksFailed = cb.Failed
	entry.CallbacksDeferred = cb.Deferred
	entry.CallbacksDropped = w.queue.Stats().DroppedTotal
	entry.TotalMoles = w.totalMoles()

	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.log.Printf("tick %d: tick log: %v", tick, err)
		}
	}
	events := w.tickEvents
	w.tickEvents = nil
	if w.eventLogger != nil {
		for _, ev := range events {
			if err := w.eventLogger.WriteEvent(ev); err != nil {
				w.log.Printf("tick %d: event log: %v", tick, err)
				break
			}
		}
	}

	w.publishMetrics(entry)
	w.broadcastTick(entry, events)

	// Snapshot headers carry the next tick to run, i.e. the ticks completed.
	next := w.tick.Add(1)
	if w.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 && next%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		w.emitSnapshot(next)
	}
	return entry
}

func (w *World) emitSnapshot(tick uint64) {
	snap, err := w.ExportSnapshot()
	if err != nil {
		w.log.Printf("tick %d: snapshot: %v", tick, err)
		return
	}
	select {
	case w.snapshotSink <- snap:
	default:
		w.log.Printf("tick %d: snapshot sink busy; dropped", tick)
	}
}

func (w *World) resetPressure() {
	for _, c := range w.cells {
		c.PressureDifference = 0
		c.HasDirection = false
	}
}

// collectBatch returns the flagged cells plus every active cell with a
// neighbor differing by more than the high pressure delta.
func (w *World) collectBatch() []turfs.CellID {
	out := make([]turfs.CellID, 0, len(w.hpd))
	for id := range w.hpd {
		out = append(out, id)
	}
	clear(w.hpd)

	threshold := w.cfg.HighPressureDelta
	w.graph.Read(func(v *turfs.View) {
		v.Pool().WithAll(func(all gas.AllView) {
			for _, id := range v.IDs() {
				c, _ := v.Get(id)
				if !c.Enabled || c.Immutable {
					continue
				}
				own := all.TotalMoles(c.Slot)
				for _, e := range v.Edges(id) {
					n, ok := v.Get(e.Target)
					if !ok {
						continue
					}
					if math.Abs(all.TotalMoles(n.Slot)-own) > threshold {
						out = append(out, id)
						break
					}
				}
			}
		})
	})
	return out
}

func (w *World) totalMoles() float64 {
	var total float64
	w.graph.Read(func(v *turfs.View) {
		v.Pool().WithAll(func(all gas.AllView) {
			for _, id := range v.IDs() {
				c, _ := v.Get(id)
				total += all.TotalMoles(c.Slot)
			}
		})
	})
	return total
}

func (w *World) publishMetrics(entry TickLogEntry) {
	eq := w.eq.Stats()
	qs := w.queue.Stats()
	var cells int
	w.graph.Read(func(v *turfs.View) { cells = v.Len() })
	m := &Metrics{
		Tick:                 entry.Tick,
		RunID:                w.runID,
		Cells:                cells,
		LiveMixtures:         w.pool.Live(),
		TotalSlots:           w.pool.Len(),
		TotalMoles:           entry.TotalMoles,
		SpeciesDigest:        w.catalogs.Species.Digest,
		CostEqualize:         w.costEqualize,
		NumEqualizeProcessed: w.numEqualizeProcessed,
		LastCancelled:        entry.Cancelled,
		PassesTotal:          eq.PassesTotal,
		ProcessedTotal:       eq.ProcessedTotal,
		CancelledTotal:       eq.CancelledTotal,
		EqualizeErrors:       w.counters.equalizeErrors,
		DroppedBatches:       eq.DroppedBatches,
		PressureEventsTotal:  w.counters.pressureEvents,
		DecompressionsTotal:  w.counters.decompressions,
		FirelocksTotal:       w.counters.firelocks,
		DiagnosticsTotal:     w.counters.diagnostics,
		FloorRipMoles:        w.counters.floorRipMoles,
		CallbackQueueDepth:   qs.QueueDepth,
		CallbackSentTotal:    qs.SentTotal,
		CallbackDroppedTotal: qs.DroppedTotal,
		CallbackFailedTotal:  qs.FailedTotal,
		Observers:            len(w.observers),
	}
	w.metrics.Store(m)
}

// Metrics is safe to call from any goroutine.
func (w *World) Metrics() Metrics {
	if m := w.metrics.Load(); m != nil {
		return *m
	}
	return Metrics{}
}
