package objstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClientPutFile_SignsPathStyleRequest(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, string(b)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "atmos", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	path := filepath.Join(t.TempDir(), "12.snap.zst")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "/worlds/w1/snapshots/12.snap.zst", path); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Method != http.MethodPut || got.URL.Path != "/atmos/worlds/w1/snapshots/12.snap.zst" {
		t.Fatalf("request: %s %s", got.Method, got.URL.Path)
	}
	if body != "payload" {
		t.Fatalf("body: %q", body)
	}
	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260102/auto/s3/aws4_request") {
		t.Fatalf("auth: %s", auth)
	}
	if got.Header.Get("x-amz-date") != "20260102T030405Z" || got.Header.Get("Content-Type") != "application/zstd" {
		t.Fatalf("headers: %v", got.Header)
	}
}

func TestClientPutFile_ReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "denied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, _ := New(Config{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	path := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(path, []byte("x"), 0o644)
	if err := c.PutFile(context.Background(), "f", path); err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("flaky")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsWithRetry(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "worlds", "w1", "snapshots", "4.snap.zst")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = os.WriteFile(snap, []byte("x"), 0o644)

	up := &fakeUploader{fails: 1}
	m := NewMirror(up, MirrorConfig{BaseDir: dir, Prefix: "/atmos/", Backoff: time.Millisecond}, nil)
	m.Enqueue(snap)
	m.Enqueue(filepath.Join(dir, "missing.snap.zst"))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "atmos/worlds/w1/snapshots/4.snap.zst" {
		t.Fatalf("keys: %v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadedTotal != 1 || st.FailedTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestMirror_ObjectKeyOutsideBase(t *testing.T) {
	m := NewMirror(&fakeUploader{}, MirrorConfig{BaseDir: t.TempDir()}, nil)
	defer m.Close()
	if _, err := m.ObjectKey(filepath.Join(os.TempDir(), "elsewhere")); err == nil {
		t.Fatalf("expected outside-base error")
	}
}
