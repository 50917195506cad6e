package indexdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/tuning"
	"atmos.ai/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index over ticks, host events and
// snapshots. Writes are queued and applied in batches by one goroutine; the
// JSONL logs stay the source of truth.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropEvent    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvent
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	tick     world.TickLogEntry
	event    world.EventLogEntry
	snapshot SnapshotRow
	done     chan struct{}
}

type TickRow struct {
	Tick         int64   `db:"tick"`
	RunID        string  `db:"run_id"`
	Batch        int     `db:"batch"`
	Processed    int64   `db:"processed"`
	Cancelled    bool    `db:"cancelled"`
	Zones        int     `db:"zones"`
	Events       int     `db:"events"`
	ElapsedMs    float64 `db:"elapsed_ms"`
	CostEqualize float64 `db:"cost_equalize"`
	TotalMoles   float64 `db:"total_moles"`
	Err          string  `db:"err"`
}

type EventRow struct {
	Tick     int64   `db:"tick"`
	Seq      int     `db:"seq"`
	Type     string  `db:"type"`
	Cell     int64   `db:"cell"`
	ToCell   int64   `db:"to_cell"`
	Target   int64   `db:"target"`
	Amount   float64 `db:"amount"`
	Expelled float64 `db:"expelled"`
}

type SnapshotRow struct {
	Tick          int64   `db:"tick"`
	Path          string  `db:"path"`
	WorldID       string  `db:"world_id"`
	RunID         string  `db:"run_id"`
	Cells         int     `db:"cells"`
	Species       int     `db:"species"`
	SpeciesDigest string  `db:"species_digest"`
	TotalMoles    float64 `db:"total_moles"`
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropEventTotal    uint64 `json:"drop_event_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 262144)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Decompressions emit an event per drained cell; keep the buffer deep.
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS catalogs (
		name TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ticks (
		tick INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		batch INTEGER NOT NULL,
		processed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		zones INTEGER NOT NULL,
		events INTEGER NOT NULL,
		elapsed_ms REAL NOT NULL,
		cost_equalize REAL NOT NULL,
		total_moles REAL NOT NULL,
		err TEXT NOT NULL,
		raw_json TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pressure_events (
		tick INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		cell INTEGER NOT NULL,
		to_cell INTEGER NOT NULL,
		target INTEGER NOT NULL,
		amount REAL NOT NULL,
		expelled REAL NOT NULL,
		PRIMARY KEY (tick, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_pressure_events_cell_tick ON pressure_events(cell, tick);
	CREATE TABLE IF NOT EXISTS snapshots (
		tick INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		world_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		cells INTEGER NOT NULL,
		species INTEGER NOT NULL,
		species_digest TEXT NOT NULL,
		total_moles REAL NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropEventTotal:    s.dropEvent.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.enqueue(req{kind: reqTick, tick: entry}, &s.dropTick)
	return nil
}

// WriteEvent indexes transfers, decompressions and firelock events.
// Diagnostics only go to the JSONL log.
func (s *SQLiteIndex) WriteEvent(entry world.EventLogEntry) error {
	if s == nil || s.closed.Load() || entry.Type == world.EventDiagnostic {
		return nil
	}
	s.enqueue(req{kind: reqEvent, event: entry}, &s.dropEvent)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	var total float64
	for _, c := range snap.Cells {
		for _, m := range c.Moles {
			total += m
		}
	}
	r := SnapshotRow{
		Tick:          int64(snap.Header.Tick),
		Path:          path,
		WorldID:       snap.Header.WorldID,
		RunID:         snap.Header.RunID,
		Cells:         len(snap.Cells),
		Species:       len(snap.Species),
		SpeciesDigest: snap.SpeciesDigest,
		TotalMoles:    total,
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r}, &s.dropSnapshot)
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs records the species catalog and the tuning actually applied.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "species.json")); err == nil && cats != nil {
			rows = append(rows, kv{name: "species", digest: cats.Species.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Preparex(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var digest string
	err := s.db.GetContext(ctx, &digest, `SELECT digest FROM catalogs WHERE name = ?`, name)
	return digest, err
}

// Ticks returns tick rows in [from, to], ascending.
func (s *SQLiteIndex) Ticks(ctx context.Context, from, to uint64) ([]TickRow, error) {
	var out []TickRow
	err := s.db.SelectContext(ctx, &out, `SELECT tick,run_id,batch,processed,cancelled,zones,events,elapsed_ms,cost_equalize,total_moles,err
		FROM ticks WHERE tick BETWEEN ? AND ? ORDER BY tick`, int64(from), int64(to))
	return out, err
}

// PressureEvents returns the latest events touching cell, newest first.
func (s *SQLiteIndex) PressureEvents(ctx context.Context, cell uint32, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventRow
	err := s.db.SelectContext(ctx, &out, `SELECT tick,seq,type,cell,to_cell,target,amount,expelled
		FROM pressure_events WHERE cell = ? OR to_cell = ? ORDER BY tick DESC, seq DESC LIMIT ?`, int64(cell), int64(cell), limit)
	return out, err
}

func (s *SQLiteIndex) Snapshots(ctx context.Context) ([]SnapshotRow, error) {
	var out []SnapshotRow
	err := s.db.SelectContext(ctx, &out, `SELECT tick,path,world_id,run_id,cells,species,species_digest,total_moles
		FROM snapshots ORDER BY tick`)
	return out, err
}

func (s *SQLiteIndex) loop() {
	insertTick, _ := s.db.Preparex(`INSERT OR REPLACE INTO ticks(tick,run_id,batch,processed,cancelled,zones,events,elapsed_ms,cost_equalize,total_moles,err,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Preparex(`INSERT OR REPLACE INTO pressure_events(tick,seq,type,cell,to_cell,target,amount,expelled) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastEventTick uint64
		eventSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.Beginx()
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			if insertTick == nil {
				break
			}
			if _, err := tx.Stmtx(insertTick).Exec(
				int64(t.Tick), t.RunID, t.Batch, t.Processed, t.Cancelled, t.Zones, t.Events,
				t.ElapsedMs, t.CostEqualize, t.TotalMoles, t.Err, string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEvent:
			e := r.event
			if e.Tick != lastEventTick {
				lastEventTick = e.Tick
				eventSeq = 0
			}
			seq := eventSeq
			eventSeq++
			if insertEvent == nil {
				break
			}
			if _, err := tx.Stmtx(insertEvent).Exec(
				int64(e.Tick), seq, e.Type, int64(e.Cell), int64(e.To), int64(e.Target), e.Amount, e.Expelled,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqSnapshot:
			if _, err := tx.NamedExec(`INSERT OR REPLACE INTO snapshots(tick,path,world_id,run_id,cells,species,species_digest,total_moles)
				VALUES(:tick,:path,:world_id,:run_id,:cells,:species,:species_digest,:total_moles)`, r.snapshot); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

var (
	_ world.TickLogger  = (*SQLiteIndex)(nil)
	_ world.EventLogger = (*SQLiteIndex)(nil)
)
