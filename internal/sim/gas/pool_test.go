package gas

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

func TestPool_ReusesReleasedSlots(t *testing.T) {
	p := NewPool(0)
	var slots []Slot
	for i := 0; i < 8; i++ {
		slots = append(slots, p.Allocate(2500))
	}
	released := []Slot{slots[1], slots[4], slots[6]}
	for _, s := range released {
		if err := p.Release(s); err != nil {
			t.Fatalf("Release(%d): %v", s, err)
		}
	}
	if p.Live() != 5 {
		t.Fatalf("live=%d want 5", p.Live())
	}

	var again []Slot
	for range released {
		again = append(again, p.Allocate(1000))
	}
	if p.Len() != 8 {
		t.Fatalf("pool grew to %d slots; released slots were not reused", p.Len())
	}
	// LIFO: the most recently released slot comes back first.
	if again[0] != released[len(released)-1] {
		t.Fatalf("first reuse=%d want %d", again[0], released[len(released)-1])
	}
	sort.Slice(again, func(i, j int) bool { return again[i] < again[j] })
	for i := range released {
		if again[i] != released[i] {
			t.Fatalf("reused=%v want %v", again, released)
		}
	}

	live := map[Slot]bool{}
	for _, s := range slots {
		if s != released[0] && s != released[1] && s != released[2] {
			live[s] = true
		}
	}
	for _, s := range again {
		if live[s] {
			t.Fatalf("slot %d handed to two live owners", s)
		}
		live[s] = true
	}
	if len(live) != 8 {
		t.Fatalf("live=%d want 8", len(live))
	}
	if err := p.Read(again[0], func(m *Mixture) error {
		if m.Volume != 1000 || m.TotalMoles() != 0 {
			t.Fatalf("reused slot not reset: vol=%v moles=%v", m.Volume, m.TotalMoles())
		}
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestPool_UnknownSlot(t *testing.T) {
	p := NewPool(0)
	s := p.Allocate(2500)
	if err := p.Read(s+5, func(*Mixture) error { return nil }); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("out of range err=%v", err)
	}
	if err := p.Release(s); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Write(s, func(*Mixture) error { return nil }); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("released slot err=%v", err)
	}
	if err := p.Release(s); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("double release err=%v", err)
	}
}

func TestPool_WritePairSameSlot(t *testing.T) {
	p := NewPool(0)
	s := p.Allocate(2500)
	_ = p.Write(s, func(m *Mixture) error { m.Set(0, 10); return nil })

	err := p.WritePair(s, s, func(x, y *Mixture) error {
		if x == y {
			t.Fatalf("same-slot pair must hand out a copy as the second mixture")
		}
		if y.TotalMoles() != 10 {
			t.Fatalf("copy total=%v want 10", y.TotalMoles())
		}
		x.Set(0, 4)
		return nil
	})
	if err != nil {
		t.Fatalf("WritePair: %v", err)
	}
	_ = p.Read(s, func(m *Mixture) error {
		if m.TotalMoles() != 4 {
			t.Fatalf("total=%v want 4", m.TotalMoles())
		}
		return nil
	})
}

func TestPool_WritePairOppositeOrdersDoNotDeadlock(t *testing.T) {
	p := NewPool(0)
	a := p.Allocate(2500)
	b := p.Allocate(2500)
	_ = p.Write(a, func(m *Mixture) error { m.Set(0, 1000); return nil })

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.WritePair(a, b, func(x, y *Mixture) error {
				removed := x.Remove(1)
				y.Merge(&removed)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = p.WritePair(b, a, func(x, y *Mixture) error {
				removed := x.Remove(1)
				y.Merge(&removed)
				return nil
			})
		}()
	}
	wg.Wait()

	var total float64
	_ = p.ReadPair(a, b, func(x, y *Mixture) error {
		total = x.TotalMoles() + y.TotalMoles()
		return nil
	})
	if !approx(total, 1000) {
		t.Fatalf("total=%v want 1000", total)
	}
}

func TestPool_CustomSameSlotHandsOutOneEntry(t *testing.T) {
	p := NewPool(0)
	a := p.Allocate(2500)
	b := p.Allocate(2500)

	err := p.Custom(a, a, func(x, y *Entry) error {
		if x != y {
			t.Fatalf("same slot should give the same entry")
		}
		x.Lock()
		defer x.Unlock()
		x.Mix().Set(0, 7)
		return nil
	})
	if err != nil {
		t.Fatalf("Custom: %v", err)
	}

	err = p.Custom(a, b, func(x, y *Entry) error {
		if x == y {
			t.Fatalf("distinct slots share an entry")
		}
		x.RLock()
		defer x.RUnlock()
		y.Lock()
		defer y.Unlock()
		y.Mix().Set(1, x.Mix().Get(0)*2)
		return nil
	})
	if err != nil {
		t.Fatalf("Custom: %v", err)
	}
	_ = p.Read(b, func(m *Mixture) error {
		if m.Get(1) != 14 {
			t.Fatalf("b moles=%v want 14", m.Moles)
		}
		return nil
	})
	if err := p.Custom(a, Slot(99), func(x, y *Entry) error { return nil }); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("unknown slot err=%v", err)
	}
}
