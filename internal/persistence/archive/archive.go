package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"atmos.ai/internal/persistence/snapshot"
)

type MilestoneMeta struct {
	Milestone     int     `json:"milestone"`
	Tick          uint64  `json:"tick"`
	RunID         string  `json:"run_id"`
	Snapshot      string  `json:"snapshot"`
	CreatedAt     string  `json:"created_at"`
	Cells         int     `json:"cells"`
	SpeciesDigest string  `json:"species_digest"`
	FloorRipMoles float64 `json:"floor_rip_moles"`
}

// ArchiveMilestone copies a snapshot into worldDir/archives/milestone_<NNN>/
// when its tick is a multiple of every. Archived snapshots are never pruned.
func ArchiveMilestone(worldDir, snapshotPath string, snap snapshot.SnapshotV1, every uint64) (dst string, archived bool, err error) {
	if every == 0 || snap.Header.Tick == 0 || snap.Header.Tick%every != 0 {
		return "", false, nil
	}
	n := int(snap.Header.Tick / every)
	dir := filepath.Join(worldDir, "archives", fmt.Sprintf("milestone_%03d", n))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	dst = filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := MilestoneMeta{
		Milestone:     n,
		Tick:          snap.Header.Tick,
		RunID:         snap.Header.RunID,
		Snapshot:      filepath.Base(dst),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Cells:         len(snap.Cells),
		SpeciesDigest: snap.SpeciesDigest,
		FloorRipMoles: snap.Counters.FloorRipMoles,
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

// Prune keeps the newest keep snapshots under worldDir/snapshots and removes
// the rest. keep <= 0 keeps everything.
func Prune(worldDir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type entry struct {
		tick uint64
		path string
	}
	var snaps []entry
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, entry{tick: tick, path: filepath.Join(dir, name)})
	}
	if len(snaps) <= keep {
		return nil, nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].tick > snaps[j].tick })
	var removed []string
	for _, s := range snaps[keep:] {
		if err := os.Remove(s.path); err != nil {
			return removed, err
		}
		removed = append(removed, s.path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
