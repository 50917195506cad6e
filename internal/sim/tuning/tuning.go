package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	// ArchiveEveryTicks copies snapshots at multiples of it into archives/.
	ArchiveEveryTicks  int `yaml:"archive_every_ticks"`
	// KeepSnapshots bounds snapshots/; zero keeps all.
	KeepSnapshots      int `yaml:"keep_snapshots"`

	Equalize  Equalize  `yaml:"equalize"`
	Callbacks Callbacks `yaml:"callbacks"`
	Mapgen    Mapgen    `yaml:"mapgen"`
}

type Equalize struct {
	HardTurfLimit     int     `yaml:"hard_turf_limit"`
	PlanetEnabled     *bool   `yaml:"planet_enabled"`
	MinMolesDelta     float64 `yaml:"min_moles_delta"`
	Workers           int     `yaml:"workers"`
	BudgetMs          int     `yaml:"budget_ms"`
	SlowDecompression bool    `yaml:"slow_decompression"`
	DecompRemoveRatio float64 `yaml:"decomp_remove_ratio"`
	// HighPressureDelta is the neighbor difference that puts a cell in the
	// next equalization batch.
	HighPressureDelta float64 `yaml:"high_pressure_delta"`
}

type Callbacks struct {
	QueueSize int `yaml:"queue_size"`
	BudgetMs  int `yaml:"budget_ms"`
}

type Mapgen struct {
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	Seed        int64   `yaml:"seed"`
	BaseMoles   float64 `yaml:"base_moles"`
	NoiseScale  float64 `yaml:"noise_scale"`
	SpaceBorder bool    `yaml:"space_border"`
	PlanetRows  int     `yaml:"planet_rows"`
}

func Defaults() Tuning {
	planet := true
	return Tuning{
		TickRateHz:         2,
		SnapshotEveryTicks: 600,
		ArchiveEveryTicks:  36000,
		KeepSnapshots:      24,
		Equalize: Equalize{
			HardTurfLimit:     2000,
			PlanetEnabled:     &planet,
			MinMolesDelta:     0.5,
			BudgetMs:          50,
			DecompRemoveRatio: 4,
			HighPressureDelta: 0.5,
		},
		Callbacks: Callbacks{
			QueueSize: 8192,
			BudgetMs:  20,
		},
		Mapgen: Mapgen{
			Width:      64,
			Height:     64,
			Seed:       1337,
			BaseMoles:  103.98,
			NoiseScale: 0.08,
		},
	}
}

// Load reads path over Defaults(); keys missing from the file keep their
// default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.fill()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// fill restores defaults for values the file zeroed out.
func (t *Tuning) fill() {
	d := Defaults()
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.Equalize.HardTurfLimit <= 0 {
		t.Equalize.HardTurfLimit = d.Equalize.HardTurfLimit
	}
	if t.Equalize.PlanetEnabled == nil {
		t.Equalize.PlanetEnabled = d.Equalize.PlanetEnabled
	}
	if t.Equalize.BudgetMs <= 0 {
		t.Equalize.BudgetMs = d.Equalize.BudgetMs
	}
	if t.Equalize.DecompRemoveRatio <= 0 {
		t.Equalize.DecompRemoveRatio = d.Equalize.DecompRemoveRatio
	}
	if t.Callbacks.QueueSize <= 0 {
		t.Callbacks.QueueSize = d.Callbacks.QueueSize
	}
}

func (t Tuning) Validate() error {
	if t.ArchiveEveryTicks < 0 || t.KeepSnapshots < 0 {
		return fmt.Errorf("archive_every_ticks and keep_snapshots must be >= 0")
	}
	if t.Equalize.MinMolesDelta < 0 {
		return fmt.Errorf("equalize.min_moles_delta must be >= 0")
	}
	if t.Equalize.HighPressureDelta < 0 {
		return fmt.Errorf("equalize.high_pressure_delta must be >= 0")
	}
	if t.Mapgen.Width < 0 || t.Mapgen.Height < 0 {
		return fmt.Errorf("mapgen size must be >= 0")
	}
	if t.Mapgen.PlanetRows < 0 || t.Mapgen.PlanetRows > t.Mapgen.Height {
		return fmt.Errorf("mapgen.planet_rows out of range")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (e Equalize) Budget() time.Duration { return time.Duration(e.BudgetMs) * time.Millisecond }

func (e Equalize) Planet() bool { return e.PlanetEnabled == nil || *e.PlanetEnabled }

func (c Callbacks) Budget() time.Duration { return time.Duration(c.BudgetMs) * time.Millisecond }
