package world

import (
	"fmt"
	"log"
	"sort"

	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

// ExportSnapshot captures the graph, every mixture and the host counters.
// Loop goroutine only (or before Run starts).
func (w *World) ExportSnapshot() (snapshot.SnapshotV1, error) {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			RunID:   w.runID,
			Tick:    w.tick.Load(),
		},
		TickRate:      w.cfg.TickRateHz,
		SpeciesDigest: w.catalogs.Species.Digest,
	}
	for _, d := range gas.Current().Defs() {
		snap.Species = append(snap.Species, snapshot.SpeciesV1{
			ID:                  d.ID,
			SpecificHeat:        d.SpecificHeat,
			VisibilityThreshold: d.VisibilityThreshold,
		})
	}

	var err error
	w.graph.Read(func(v *turfs.View) {
		pool := v.Pool()
		for _, id := range v.IDs() {
			c, _ := v.Get(id)
			cell := snapshot.CellV1{
				ID:        uint32(id),
				Enabled:   c.Enabled,
				Immutable: c.Immutable,
				Planetary: c.Planetary,
			}
			if err = pool.Read(c.Slot, func(m *gas.Mixture) error {
				cell.Volume = m.Volume
				cell.Temperature = m.Temperature
				cell.Moles = append([]float64(nil), m.Moles...)
				return nil
			}); err != nil {
				err = fmt.Errorf("cell %d: %w", id, err)
				return
			}
			snap.Cells = append(snap.Cells, cell)
			for _, e := range v.Edges(id) {
				snap.Edges = append(snap.Edges, snapshot.EdgeV1{From: uint32(id), To: uint32(e.Target), Flags: uint8(e.Flags)})
			}
		}
	})
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}

	for id := range w.hpd {
		snap.HighPressureDelta = append(snap.HighPressureDelta, uint32(id))
	}
	sort.Slice(snap.HighPressureDelta, func(i, j int) bool { return snap.HighPressureDelta[i] < snap.HighPressureDelta[j] })

	eq := w.eq.Stats()
	snap.Counters = snapshot.CountersV1{
		CostEqualize:         w.costEqualize,
		NumEqualizeProcessed: w.numEqualizeProcessed,
		PassesTotal:          eq.PassesTotal,
		ProcessedTotal:       eq.ProcessedTotal,
		CancelledTotal:       eq.CancelledTotal,
		PressureEventsTotal:  w.counters.pressureEvents,
		DecompressionsTotal:  w.counters.decompressions,
		FirelocksTotal:       w.counters.firelocks,
		DiagnosticsTotal:     w.counters.diagnostics,
		EqualizeErrors:       w.counters.equalizeErrors,
		FloorRipMoles:        w.counters.floorRipMoles,
	}
	return snap, nil
}

// speciesMap maps snapshot species positions to registry ids.
func speciesMap(reg *gas.Registry, species []snapshot.SpeciesV1) ([]int, error) {
	out := make([]int, len(species))
	for i, s := range species {
		id, err := reg.IDOf(s.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshot species %q: %w", s.ID, err)
		}
		out[i] = id
	}
	return out, nil
}

// ImportBuilder returns a Builder that recreates the snapshot's graph. The
// species registry must already be installed.
func ImportBuilder(snap snapshot.SnapshotV1) Builder {
	return func(m *turfs.Mutator) error {
		idx, err := speciesMap(gas.Current(), snap.Species)
		if err != nil {
			return err
		}
		for _, c := range snap.Cells {
			id := turfs.CellID(c.ID)
			if _, err := m.AddCell(id, c.Volume); err != nil {
				return err
			}
			if c.Immutable {
				if err := m.SetImmutable(id); err != nil {
					return err
				}
			} else {
				if err := m.SetMixture(id, func(mix *gas.Mixture) {
					mix.Temperature = c.Temperature
					for i, v := range c.Moles {
						if i < len(idx) {
							mix.Set(idx[i], v)
						}
					}
				}); err != nil {
					return err
				}
			}
			if !c.Enabled {
				if err := m.SetEnabled(id, false); err != nil {
					return err
				}
			}
			if c.Planetary != "" {
				if err := m.SetPlanetary(id, c.Planetary); err != nil {
					return err
				}
			}
		}
		for _, e := range snap.Edges {
			if err := m.AddEdge(turfs.CellID(e.From), turfs.CellID(e.To), turfs.AdjacentFlags(e.Flags)); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewFromSnapshot resumes a world. Tick, pending batch and every cumulative
// counter carry over; the run id is fresh and dropped batches restart at 0.
func NewFromSnapshot(cfg WorldConfig, cats *catalogs.Catalogs, logger *log.Logger, snap snapshot.SnapshotV1) (*World, error) {
	if cfg.ID == "" {
		cfg.ID = snap.Header.WorldID
	}
	w, err := New(cfg, cats, logger, ImportBuilder(snap))
	if err != nil {
		return nil, err
	}
	w.tick.Store(snap.Header.Tick)
	for _, id := range snap.HighPressureDelta {
		w.hpd[turfs.CellID(id)] = struct{}{}
	}
	w.costEqualize = snap.Counters.CostEqualize
	w.numEqualizeProcessed = snap.Counters.NumEqualizeProcessed
	w.counters.pressureEvents = snap.Counters.PressureEventsTotal
	w.counters.decompressions = snap.Counters.DecompressionsTotal
	w.counters.firelocks = snap.Counters.FirelocksTotal
	w.counters.diagnostics = snap.Counters.DiagnosticsTotal
	w.counters.equalizeErrors = snap.Counters.EqualizeErrors
	w.counters.floorRipMoles = snap.Counters.FloorRipMoles
	w.eq.RestoreStats(equalize.Stats{
		PassesTotal:    snap.Counters.PassesTotal,
		ProcessedTotal: snap.Counters.ProcessedTotal,
		CancelledTotal: snap.Counters.CancelledTotal,
	})
	if snap.SpeciesDigest != "" && snap.SpeciesDigest != cats.Species.Digest {
		w.log.Printf("snapshot species digest %s differs from catalog %s; mapped by id", snap.SpeciesDigest, cats.Species.Digest)
	}
	w.publishMetrics(TickLogEntry{Tick: snap.Header.Tick, TotalMoles: w.totalMoles()})
	return w, nil
}
