package gas

import "math"

const (
	// GasConstant is R in kPa·L/(mol·K).
	GasConstant = 8.31446261815324
	// T20C is the default temperature for freshly allocated mixtures.
	T20C = 293.15
	// TCMB is the temperature of an immutable vacuum mixture.
	TCMB = 2.7
)

// Mixture is one cell's gas contents. Moles is indexed by species id.
type Mixture struct {
	Moles       []float64
	Volume      float64
	Temperature float64

	immutable bool
}

func NewMixture(volume float64) Mixture {
	return Mixture{
		Moles:       make([]float64, NumSpecies()),
		Volume:      volume,
		Temperature: T20C,
	}
}

func (m *Mixture) IsImmutable() bool { return m.immutable }

// MarkImmutable turns m into vacuum: it is emptied and never receives gas again.
func (m *Mixture) MarkImmutable() {
	m.immutable = true
	for i := range m.Moles {
		m.Moles[i] = 0
	}
	m.Temperature = TCMB
}

func (m *Mixture) TotalMoles() float64 {
	var sum float64
	for _, v := range m.Moles {
		sum += v
	}
	return sum
}

func (m *Mixture) HeatCapacity() float64 {
	reg := Current()
	var hc float64
	for i, v := range m.Moles {
		hc += v * reg.SpecificHeat(i)
	}
	return hc
}

// Pressure in kPa.
func (m *Mixture) Pressure() float64 {
	if m.Volume <= 0 {
		return 0
	}
	return m.TotalMoles() * GasConstant * m.Temperature / m.Volume
}

// MatchPressure gives m the composition and temperature of src, scaled to m's
// volume so both hold the same pressure. Immutable mixtures are left alone.
func (m *Mixture) MatchPressure(src *Mixture) {
	if m.immutable {
		return
	}
	m.Temperature = src.Temperature
	var scale float64
	if total := src.TotalMoles(); total > 0 && src.Temperature > 0 {
		scale = src.Pressure() * m.Volume / (GasConstant * src.Temperature) / total
	}
	for i := range m.Moles {
		m.Moles[i] = src.Get(i) * scale
	}
}

// Get returns the moles of species id.
func (m *Mixture) Get(id int) float64 {
	if id < 0 || id >= len(m.Moles) {
		return 0
	}
	return m.Moles[id]
}

// Set sets the moles of species id. Ignored on immutable mixtures.
func (m *Mixture) Set(id int, moles float64) {
	if m.immutable || id < 0 {
		return
	}
	m.grow(id + 1)
	m.Moles[id] = math.Max(0, moles)
}

func (m *Mixture) grow(n int) {
	if len(m.Moles) >= n {
		return
	}
	grown := make([]float64, n)
	copy(grown, m.Moles)
	m.Moles = grown
}

// Resize truncates or extends the moles slice to n species.
func (m *Mixture) Resize(n int) {
	if len(m.Moles) > n {
		m.Moles = m.Moles[:n]
		return
	}
	m.grow(n)
}

// Merge adds other's gas into m, mixing temperature by heat capacity.
func (m *Mixture) Merge(other *Mixture) {
	if m.immutable {
		return
	}
	ourHC := m.HeatCapacity()
	otherHC := other.HeatCapacity()
	m.grow(len(other.Moles))
	for i, v := range other.Moles {
		m.Moles[i] += v
	}
	if combined := ourHC + otherHC; combined > 0 {
		m.Temperature = (ourHC*m.Temperature + otherHC*other.Temperature) / combined
	}
}

// RemoveRatio takes ratio (clamped to [0,1]) of every species out of m.
func (m *Mixture) RemoveRatio(ratio float64) Mixture {
	removed := Mixture{
		Moles:       make([]float64, len(m.Moles)),
		Volume:      m.Volume,
		Temperature: m.Temperature,
	}
	if ratio <= 0 {
		return removed
	}
	if ratio > 1 {
		ratio = 1
	}
	for i, v := range m.Moles {
		taken := v * ratio
		removed.Moles[i] = taken
		if !m.immutable {
			m.Moles[i] = v - taken
		}
	}
	return removed
}

// Remove takes amount moles out of m proportionally across species.
func (m *Mixture) Remove(amount float64) Mixture {
	total := m.TotalMoles()
	if total <= 0 {
		return m.RemoveRatio(0)
	}
	return m.RemoveRatio(amount / total)
}

func (m *Mixture) Clear() {
	for i := range m.Moles {
		m.Moles[i] = 0
	}
}

// ClearWithVolume resets m for reuse by a new cell.
func (m *Mixture) ClearWithVolume(volume float64) {
	m.immutable = false
	m.Moles = make([]float64, NumSpecies())
	m.Volume = volume
	m.Temperature = T20C
}

func (m *Mixture) Copy() Mixture {
	c := *m
	c.Moles = make([]float64, len(m.Moles))
	copy(c.Moles, m.Moles)
	return c
}

// VisibleSpecies lists species ids whose moles exceed their visibility threshold.
func (m *Mixture) VisibleSpecies() []int {
	reg := Current()
	var out []int
	for i, v := range m.Moles {
		if th, ok := reg.Visibility(i); ok && v > th {
			out = append(out, i)
		}
	}
	return out
}
