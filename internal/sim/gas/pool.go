package gas

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownSlot = errors.New("unknown mixture slot")

// Slot is the handle of a mixture in a Pool. It is handed to the host on
// allocation and presented unchanged for every later access.
type Slot uint32

// Entry is a lockable mixture slot, exposed to Custom callers that pick their
// own lock levels.
type Entry struct {
	sync.RWMutex
	mix  Mixture
	live bool
}

// Mix returns the guarded mixture. The caller must hold the entry lock.
func (e *Entry) Mix() *Mixture { return &e.mix }

// Pool stores mixtures in reusable slots. The pool lock guards the slot list;
// each entry has its own lock for the mixture it holds.
type Pool struct {
	mu    sync.RWMutex
	slots []*Entry
	free  []Slot
}

func NewPool(capacity int) *Pool {
	return &Pool{slots: make([]*Entry, 0, capacity)}
}

// Allocate returns the most recently released slot, or a new one.
func (p *Pool) Allocate(volume float64) Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		e := p.slots[s]
		e.Lock()
		e.mix.ClearWithVolume(volume)
		e.live = true
		e.Unlock()
		return s
	}
	s := Slot(len(p.slots))
	p.slots = append(p.slots, &Entry{mix: NewMixture(volume), live: true})
	return s
}

// Release clears the slot and returns it to the free list.
func (p *Pool) Release(s Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.entryLocked(s)
	if err != nil {
		return err
	}
	e.Lock()
	e.mix.Clear()
	e.live = false
	e.Unlock()
	p.free = append(p.free, s)
	return nil
}

func (p *Pool) entryLocked(s Slot) (*Entry, error) {
	if int(s) >= len(p.slots) || !p.slots[s].live {
		return nil, fmt.Errorf("slot %d: %w", s, ErrUnknownSlot)
	}
	return p.slots[s], nil
}

func (p *Pool) Read(s Slot, fn func(m *Mixture) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, err := p.entryLocked(s)
	if err != nil {
		return err
	}
	e.RLock()
	defer e.RUnlock()
	return fn(&e.mix)
}

func (p *Pool) Write(s Slot, fn func(m *Mixture) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, err := p.entryLocked(s)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	return fn(&e.mix)
}

// ReadPair read-locks both slots. a == b is allowed.
func (p *Pool) ReadPair(a, b Slot, fn func(x, y *Mixture) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ea, err := p.entryLocked(a)
	if err != nil {
		return err
	}
	eb, err := p.entryLocked(b)
	if err != nil {
		return err
	}
	if a == b {
		ea.RLock()
		defer ea.RUnlock()
		return fn(&ea.mix, &ea.mix)
	}
	first, second := ea, eb
	if b < a {
		first, second = eb, ea
	}
	first.RLock()
	defer first.RUnlock()
	second.RLock()
	defer second.RUnlock()
	return fn(&ea.mix, &eb.mix)
}

// WritePair write-locks both slots in ascending slot order. When a == b the
// slot is locked once and y is a copy of x taken after locking.
func (p *Pool) WritePair(a, b Slot, fn func(x, y *Mixture) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ea, err := p.entryLocked(a)
	if err != nil {
		return err
	}
	eb, err := p.entryLocked(b)
	if err != nil {
		return err
	}
	if a == b {
		ea.Lock()
		defer ea.Unlock()
		copied := ea.mix.Copy()
		return fn(&ea.mix, &copied)
	}
	first, second := ea, eb
	if b < a {
		first, second = eb, ea
	}
	first.Lock()
	defer first.Unlock()
	second.Lock()
	defer second.Unlock()
	return fn(&ea.mix, &eb.mix)
}

// Custom hands out both entries unlocked so the caller can choose lock levels.
// When a == b both arguments are the same entry; callers must not lock it twice.
func (p *Pool) Custom(a, b Slot, fn func(x, y *Entry) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ea, err := p.entryLocked(a)
	if err != nil {
		return err
	}
	eb, err := p.entryLocked(b)
	if err != nil {
		return err
	}
	return fn(ea, eb)
}

// AllView is the whole-pool read view passed to WithAll.
type AllView struct{ p *Pool }

// TotalMoles read-locks a single slot and sums it. Unknown slots read as 0.
func (v AllView) TotalMoles(s Slot) float64 {
	e, err := v.p.entryLocked(s)
	if err != nil {
		return 0
	}
	e.RLock()
	defer e.RUnlock()
	return e.mix.TotalMoles()
}

// WithAll holds the pool read lock for the duration of fn.
func (p *Pool) WithAll(fn func(v AllView)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn(AllView{p: p})
}

// Resize changes the species count of every live mixture. Used on registry reload.
func (p *Pool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.slots {
		e.Lock()
		e.mix.Resize(n)
		e.Unlock()
	}
}

// Live is the number of allocated (not released) slots.
func (p *Pool) Live() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots) - len(p.free)
}

// Len is the total number of slots ever created.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}
