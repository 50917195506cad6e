package gas

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	ErrDuplicateSpecies    = errors.New("duplicate gas species")
	ErrUnresolvableSpecies = errors.New("unresolvable gas species")
)

// SpeciesDef is the host-provided metadata for one gas species.
type SpeciesDef struct {
	ID                  string   `json:"id"`
	SpecificHeat        float64  `json:"specific_heat"`
	VisibilityThreshold *float64 `json:"visibility_threshold,omitempty"`
}

// Registry is the ordered species table. A species id is its index and is used
// directly as the index into every mixture's moles slice. Never mutated after
// construction.
type Registry struct {
	defs          []SpeciesDef
	specificHeats []float64
	index         map[string]int
}

func NewRegistry(defs []SpeciesDef) (*Registry, error) {
	r := &Registry{
		defs:          make([]SpeciesDef, 0, len(defs)),
		specificHeats: make([]float64, 0, len(defs)),
		index:         make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("species #%d: %w", i, ErrUnresolvableSpecies)
		}
		if _, ok := r.index[id]; ok {
			return nil, fmt.Errorf("species %q: %w", id, ErrDuplicateSpecies)
		}
		if d.SpecificHeat < 0 {
			return nil, fmt.Errorf("species %q: negative specific heat: %w", id, ErrUnresolvableSpecies)
		}
		d.ID = id
		r.index[id] = i
		r.defs = append(r.defs, d)
		r.specificHeats = append(r.specificHeats, d.SpecificHeat)
	}
	return r, nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// IDOf resolves a species identifier to its index.
func (r *Registry) IDOf(name string) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("species %q: %w", name, ErrUnresolvableSpecies)
	}
	i, ok := r.index[name]
	if !ok {
		return 0, fmt.Errorf("species %q: %w", name, ErrUnresolvableSpecies)
	}
	return i, nil
}

// Name returns the identifier stored at id.
func (r *Registry) Name(id int) (string, error) {
	if r == nil || id < 0 || id >= len(r.defs) {
		return "", fmt.Errorf("species id %d: %w", id, ErrUnresolvableSpecies)
	}
	return r.defs[id].ID, nil
}

func (r *Registry) SpecificHeat(id int) float64 {
	if r == nil || id < 0 || id >= len(r.specificHeats) {
		return 0
	}
	return r.specificHeats[id]
}

// Visibility returns the visibility threshold for id, if the species has one.
func (r *Registry) Visibility(id int) (float64, bool) {
	if r == nil || id < 0 || id >= len(r.defs) || r.defs[id].VisibilityThreshold == nil {
		return 0, false
	}
	return *r.defs[id].VisibilityThreshold, true
}

// Defs returns a copy of the species definitions in id order.
func (r *Registry) Defs() []SpeciesDef {
	if r == nil {
		return nil
	}
	out := make([]SpeciesDef, len(r.defs))
	copy(out, r.defs)
	return out
}

var current atomic.Pointer[Registry]

// Install publishes reg as the process-wide registry. Callers must make sure no
// equalization pass is in flight (see world.ReloadSpecies).
func Install(reg *Registry) { current.Store(reg) }

// Current returns the installed registry, or nil before the first Install.
func Current() *Registry { return current.Load() }

// NumSpecies is the size of the installed registry.
func NumSpecies() int { return Current().Len() }
