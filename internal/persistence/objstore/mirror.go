package objstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	EnqueuedTotal   uint64 `json:"enqueued_total"`
	DroppedTotal    uint64 `json:"dropped_total"`
	UploadedTotal   uint64 `json:"uploaded_total"`
	FailedTotal     uint64 `json:"failed_total"`
	LastSuccessUnix int64  `json:"last_success_unix"`
	LastErrorUnix   int64  `json:"last_error_unix"`
}

type MirrorConfig struct {
	// BaseDir is the local root; object keys are paths relative to it.
	BaseDir string
	Prefix  string

	Workers     int
	Queue       int
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration
}

// Mirror copies finished files (snapshots, rotated logs) to object storage
// in the background. Enqueue never blocks longer than EnqueueWait.
type Mirror struct {
	up     Uploader
	cfg    MirrorConfig
	logger *log.Logger

	jobs chan string
	g    errgroup.Group

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
	lastErr  atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig, logger *log.Logger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:     up,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, cfg.Queue),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.g.Go(func() error {
			for p := range m.jobs {
				m.upload(p)
			}
			return nil
		})
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		n := m.dropped.Add(1)
		m.printf("mirror drop local=%s reason=queue_full dropped_total=%d", localPath, n)
	}
}

// Close drains the queue and waits for the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	_ = m.g.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(m.jobs),
		QueueCapacity:   cap(m.jobs),
		EnqueuedTotal:   m.enqueued.Load(),
		DroppedTotal:    m.dropped.Load(),
		UploadedTotal:   m.uploaded.Load(),
		FailedTotal:     m.failed.Load(),
		LastSuccessUnix: m.lastOK.Load(),
		LastErrorUnix:   m.lastErr.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = m.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt < m.cfg.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	if lastErr != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().Unix())
		m.printf("mirror upload failed key=%s err=%v", key, lastErr)
		return
	}
	m.uploaded.Add(1)
	m.lastOK.Store(time.Now().Unix())
}

// ObjectKey maps a file under BaseDir to its key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	base, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
