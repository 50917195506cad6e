package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	RunID   string `json:"run_id"`
	Tick    uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate      int    `json:"tick_rate_hz"`
	SpeciesDigest string `json:"species_digest"`

	Species []SpeciesV1 `json:"species"`
	Cells   []CellV1    `json:"cells"`
	Edges   []EdgeV1    `json:"edges"`

	// HighPressureDelta is the host's pending batch at snapshot time.
	HighPressureDelta []uint32 `json:"high_pressure_delta,omitempty"`

	Counters CountersV1 `json:"counters"`
}

type SpeciesV1 struct {
	ID                  string   `json:"id"`
	SpecificHeat        float64  `json:"specific_heat"`
	VisibilityThreshold *float64 `json:"visibility_threshold,omitempty"`
}

// CellV1 stores moles by species position in Species.
type CellV1 struct {
	ID          uint32    `json:"id"`
	Volume      float64   `json:"volume"`
	Temperature float64   `json:"temperature"`
	Moles       []float64 `json:"moles"`
	Enabled     bool      `json:"enabled"`
	Immutable   bool      `json:"immutable"`
	Planetary   string    `json:"planetary,omitempty"`
}

type EdgeV1 struct {
	From  uint32 `json:"from"`
	To    uint32 `json:"to"`
	Flags uint8  `json:"flags"`
}

type CountersV1 struct {
	CostEqualize         float64 `json:"cost_equalize"`
	NumEqualizeProcessed int64   `json:"num_equalize_processed"`
	PassesTotal          uint64  `json:"passes_total"`
	ProcessedTotal       uint64  `json:"processed_total"`
	CancelledTotal       uint64  `json:"cancelled_total"`
	PressureEventsTotal  uint64  `json:"pressure_events_total"`
	DecompressionsTotal  uint64  `json:"decompressions_total"`
	FirelocksTotal       uint64  `json:"firelocks_total"`
	DiagnosticsTotal     uint64  `json:"diagnostics_total"`
	EqualizeErrors       uint64  `json:"equalize_errors"`
	FloorRipMoles        float64 `json:"floor_rip_moles"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// Path is the conventional location of the snapshot for tick under worldDir.
func Path(worldDir string, tick uint64) string {
	return filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", tick))
}
