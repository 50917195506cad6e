package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	persistlog "atmos.ai/internal/persistence/log"
	"atmos.ai/internal/persistence/archive"
	"atmos.ai/internal/persistence/objstore"
	"atmos.ai/internal/persistence/snapshot"
	"atmos.ai/internal/sim/catalogs"
	"atmos.ai/internal/sim/equalize"
	"atmos.ai/internal/sim/mapgen"
	"atmos.ai/internal/sim/tuning"
	"atmos.ai/internal/sim/turfs"
	"atmos.ai/internal/sim/world"
	"atmos.ai/internal/transport/observer"
	"atmos.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "station_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (ticks/events + catalogs + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}

	// Tuning is required for a fresh world; a resume can run on defaults.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	mirror, err := openMirror(*dataDir, logger)
	if err != nil {
		logger.Fatalf("snapshot mirror: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
	}

	cfg := worldConfig(*worldID, tune)
	worldLog := log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds)
	var w *world.World
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != *worldID {
			logger.Fatalf("snapshot world id mismatch: flag=%s snap=%s", *worldID, snap.Header.WorldID)
		}
		if snap.TickRate > 0 {
			cfg.TickRateHz = snap.TickRate
		}
		w, err = world.NewFromSnapshot(cfg, cats, worldLog, snap)
		if err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), w.CurrentTick())
	} else {
		mg := mapgen.Config{
			Width:       tune.Mapgen.Width,
			Height:      tune.Mapgen.Height,
			Seed:        tune.Mapgen.Seed,
			BaseMoles:   tune.Mapgen.BaseMoles,
			NoiseScale:  tune.Mapgen.NoiseScale,
			SpaceBorder: tune.Mapgen.SpaceBorder,
			PlanetRows:  tune.Mapgen.PlanetRows,
		}
		w, err = world.New(cfg, cats, worldLog, func(m *turfs.Mutator) error {
			_, err := mapgen.Generate(m, mg)
			return err
		})
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
		logger.Printf("generated %dx%d station seed=%d", mg.Width, mg.Height, mg.Seed)
	}

	ctx, cancel := signalContext()
	defer cancel()

	tickLog := persistlog.NewTickLogger(worldDir)
	eventLog := persistlog.NewEventLogger(worldDir)
	defer tickLog.Close()
	defer eventLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
		w.SetEventLogger(multiEventLogger{a: eventLog, b: idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetEventLogger(eventLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path, err := writeSnapshot(worldDir, snap)
				if err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
				mirror.Enqueue(path)
				retainSnapshot(worldDir, path, snap, tune, mirror, logger)
			}
		}
	}()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, *worldID, w.Metrics(), idx)
		writeMirrorMetrics(rw, *worldID, mirror)
	})

	enableAdminHTTP := envBool("ATMOS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("ATMOS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				WorldID string        `json:"world_id"`
				Tick    uint64        `json:"tick"`
				Metrics world.Metrics `json:"metrics"`
			}{
				WorldID: *worldID,
				Tick:    w.CurrentTick(),
				Metrics: w.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			rw.Header().Set("Content-Type", "application/json")
			snap, err := w.RequestSnapshot(ctx2)
			var path string
			if err == nil {
				path, err = writeSnapshot(worldDir, snap)
			}
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
			mirror.Enqueue(path)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": snap.Header.Tick, "path": path})
		})
		mux.HandleFunc("/admin/v1/species/reload", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			var cat catalogs.SpeciesCatalog
			raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err == nil {
				err = catalogs.ParseSpecies(raw, &cat)
			}
			if err == nil {
				ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
				defer cancel2()
				err = w.ReloadSpecies(ctx2, cat)
			}
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "digest": cat.Digest})
		})

		obsSrv := observer.NewServer(w, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (ATMOS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (ATMOS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/control", ws.NewServer(w, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-worldDone
}

// openMirror enables snapshot mirroring when ATMOS_MIRROR_ENDPOINT is set.
func openMirror(dataDir string, logger *log.Logger) (*objstore.Mirror, error) {
	endpoint := strings.TrimSpace(os.Getenv("ATMOS_MIRROR_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	client, err := objstore.New(objstore.Config{
		Endpoint:        endpoint,
		Bucket:          os.Getenv("ATMOS_MIRROR_BUCKET"),
		Region:          os.Getenv("ATMOS_MIRROR_REGION"),
		AccessKeyID:     os.Getenv("ATMOS_MIRROR_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("ATMOS_MIRROR_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("mirroring snapshots to %s", endpoint)
	return objstore.NewMirror(client, objstore.MirrorConfig{
		BaseDir: dataDir,
		Prefix:  os.Getenv("ATMOS_MIRROR_PREFIX"),
		Workers: envInt("ATMOS_MIRROR_WORKERS", 2),
	}, logger), nil
}

func worldConfig(id string, tune tuning.Tuning) world.WorldConfig {
	eq := equalize.DefaultConfig()
	eq.HardTurfLimit = tune.Equalize.HardTurfLimit
	eq.PlanetEnabled = tune.Equalize.Planet()
	eq.MinMolesDelta = tune.Equalize.MinMolesDelta
	eq.Workers = tune.Equalize.Workers
	eq.SlowDecompression = tune.Equalize.SlowDecompression
	eq.DecompRemoveRatio = tune.Equalize.DecompRemoveRatio
	return world.WorldConfig{
		ID:                 id,
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		Equalize:           eq,
		EqualizeBudget:     tune.Equalize.Budget(),
		CallbackQueueSize:  tune.Callbacks.QueueSize,
		CallbackBudget:     tune.Callbacks.Budget(),
		HighPressureDelta:  tune.Equalize.HighPressureDelta,
		Width:              tune.Mapgen.Width,
		Height:             tune.Mapgen.Height,
	}
}

// retainSnapshot archives milestone snapshots and prunes old ones.
func retainSnapshot(worldDir, path string, snap snapshot.SnapshotV1, tune tuning.Tuning, mirror *objstore.Mirror, logger *log.Logger) {
	if dst, ok, err := archive.ArchiveMilestone(worldDir, path, snap, uint64(tune.ArchiveEveryTicks)); err != nil {
		logger.Printf("snapshot archive: %v", err)
	} else if ok {
		logger.Printf("archived milestone snapshot tick=%d path=%s", snap.Header.Tick, dst)
		mirror.Enqueue(dst)
	}
	if removed, err := archive.Prune(worldDir, tune.KeepSnapshots); err != nil {
		logger.Printf("snapshot prune: %v", err)
	} else if len(removed) > 0 {
		logger.Printf("pruned %d snapshots", len(removed))
	}
}

func writeSnapshot(worldDir string, snap snapshot.SnapshotV1) (string, error) {
	path := snapshot.Path(worldDir, snap.Header.Tick)
	return path, snapshot.WriteSnapshot(path, snap)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeMirrorMetrics(rw io.Writer, worldID string, m *objstore.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(rw, "# HELP atmos_mirror_uploaded_total Files copied to object storage.\n")
	fmt.Fprintf(rw, "# TYPE atmos_mirror_uploaded_total counter\n")
	fmt.Fprintf(rw, "atmos_mirror_uploaded_total{world=%q} %d\n", worldID, s.UploadedTotal)
	fmt.Fprintf(rw, "# HELP atmos_mirror_failed_total Uploads that failed after retries.\n")
	fmt.Fprintf(rw, "# TYPE atmos_mirror_failed_total counter\n")
	fmt.Fprintf(rw, "atmos_mirror_failed_total{world=%q} %d\n", worldID, s.FailedTotal)
	fmt.Fprintf(rw, "# HELP atmos_mirror_dropped_total Files dropped on a full mirror queue.\n")
	fmt.Fprintf(rw, "# TYPE atmos_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "atmos_mirror_dropped_total{world=%q} %d\n", worldID, s.DroppedTotal)
}

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(rw io.Writer, worldID string, m world.Metrics, idx runtimeIndex) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP atmos_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE atmos_%s gauge\n", name)
		fmt.Fprintf(rw, "atmos_%s{world=%q} %v\n", name, worldID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP atmos_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE atmos_%s counter\n", name)
		fmt.Fprintf(rw, "atmos_%s{world=%q} %d\n", name, worldID, v)
	}

	gauge("world_tick", "Current world tick.", m.Tick)
	gauge("cells", "Cells in the graph.", m.Cells)
	gauge("amt_gases", "Live gas mixtures.", m.LiveMixtures)
	gauge("tot_gases", "Allocated mixture slots.", m.TotalSlots)
	gauge("total_moles", "Moles across every cell.", fmt.Sprintf("%.6f", m.TotalMoles))
	gauge("cost_equalize_ms", "Smoothed equalization pass cost in milliseconds.", fmt.Sprintf("%.3f", m.CostEqualize))
	gauge("num_equalize_processed", "Cells processed by the last pass.", m.NumEqualizeProcessed)
	gauge("callback_queue_depth", "Callbacks waiting for the world loop.", m.CallbackQueueDepth)
	gauge("observers", "Connected observers.", m.Observers)

	counter("equalize_passes_total", "Equalization passes run.", m.PassesTotal)
	counter("equalize_processed_total", "Cells processed by equalization.", m.ProcessedTotal)
	counter("equalize_cancelled_total", "Passes cancelled over budget.", m.CancelledTotal)
	counter("equalize_errors_total", "Passes that failed.", m.EqualizeErrors)
	counter("equalize_dropped_batches_total", "Batches dropped while one was pending.", m.DroppedBatches)
	counter("pressure_events_total", "Pressure transfers reported to the host.", m.PressureEventsTotal)
	counter("decompressions_total", "Cells drained by depressurization.", m.DecompressionsTotal)
	counter("firelocks_total", "Firelock checks requested.", m.FirelocksTotal)
	counter("callback_diagnostics_total", "Failed callbacks reported.", m.DiagnosticsTotal)
	counter("callback_sent_total", "Callbacks queued.", m.CallbackSentTotal)
	counter("callback_dropped_total", "Callbacks dropped on a full queue.", m.CallbackDroppedTotal)
	counter("callback_failed_total", "Callbacks that returned an error or panicked.", m.CallbackFailedTotal)

	if idx != nil {
		s := idx.Stats()
		gauge("index_queue_depth", "Index writer backlog.", s.QueueDepth)
		counter("index_dropped_total", "Index rows dropped because the writer fell behind.", s.DropTickTotal+s.DropEventTotal+s.DropSnapshotTotal)
	}
}

type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiEventLogger struct {
	a world.EventLogger
	b world.EventLogger
}

func (m multiEventLogger) WriteEvent(entry world.EventLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteEvent(entry)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(entry)
	}
	return nil
}
