package world

import (
	"context"
	"fmt"

	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/gas"
	"atmos.ai/internal/sim/turfs"
)

type reloadReq struct {
	cat  catalogs.SpeciesCatalog
	resp chan error
}

// ReloadSpecies swaps the species registry from the world loop, between
// passes. Moles of species that survive the reload keep their amounts; the
// rest are dropped.
func (w *World) ReloadSpecies(ctx context.Context, cat catalogs.SpeciesCatalog) error {
	req := reloadReq{cat: cat, resp: make(chan error, 1)}
	select {
	case w.reload <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *World) reloadSpecies(cat catalogs.SpeciesCatalog) error {
	if cat.Registry == nil {
		return fmt.Errorf("reload: %w: empty catalog", gas.ErrUnresolvableSpecies)
	}
	old := gas.Current()
	remap := make([]int, old.Len())
	for i := range remap {
		remap[i] = -1
		name, err := old.Name(i)
		if err != nil {
			continue
		}
		if id, err := cat.Registry.IDOf(name); err == nil {
			remap[i] = id
		}
	}
	n := cat.Registry.Len()

	err := w.graph.Write(func(m *turfs.Mutator) error {
		// Remap into a staging set first so a failure leaves every mixture
		// and the registry as they were.
		ids := m.IDs()
		staged := make([][]float64, len(ids))
		for k, id := range ids {
			c, ok := m.Get(id)
			if !ok {
				return fmt.Errorf("cell %d: %w", id, turfs.ErrUnknownCell)
			}
			if err := m.Pool().Read(c.Slot, func(mix *gas.Mixture) error {
				moles := make([]float64, n)
				for i, v := range mix.Moles {
					if i < len(remap) && remap[i] >= 0 {
						moles[remap[i]] = v
					}
				}
				staged[k] = moles
				return nil
			}); err != nil {
				return fmt.Errorf("cell %d: %w", id, err)
			}
		}
		gas.Install(cat.Registry)
		for k, id := range ids {
			if err := m.SetMixture(id, func(mix *gas.Mixture) { mix.Moles = staged[k] }); err != nil {
				return err
			}
		}
		m.Pool().Resize(n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	w.catalogs.Species = cat
	w.log.Printf("species reloaded: %d species digest=%s", n, cat.Digest)
	return nil
}
