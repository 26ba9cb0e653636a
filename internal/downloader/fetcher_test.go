package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a/cat.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cat-bytes-a"))
	})
	mux.HandleFunc("/b/cat.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("cat-bytes-b"))
	})
	mux.HandleFunc("/render", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	})
	mux.HandleFunc("/missing.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFetchWritesBodyToDestination(t *testing.T) {
	server := newImageServer(t)
	dir := t.TempDir()
	f := NewFetcher(server.Client(), zap.NewNop(), Options{})

	img, err := f.Fetch(context.Background(), server.URL+"/a/cat.jpg", dir, 0)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if img.URL != server.URL+"/a/cat.jpg" {
		t.Fatalf("unexpected url %s", img.URL)
	}
	if filepath.Dir(img.Path) != dir {
		t.Fatalf("expected file inside %s, got %s", dir, img.Path)
	}
	if got := filepath.Base(img.Path); got != "0_cat.jpg" {
		t.Fatalf("unexpected file name %s", got)
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "cat-bytes-a" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestFetchSameBasenameDoesNotCollide(t *testing.T) {
	server := newImageServer(t)
	dir := t.TempDir()
	f := NewFetcher(server.Client(), zap.NewNop(), Options{})

	first, err := f.Fetch(context.Background(), server.URL+"/a/cat.jpg", dir, 0)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	second, err := f.Fetch(context.Background(), server.URL+"/b/cat.jpg", dir, 1)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("expected distinct paths, both %s", first.Path)
	}

	a, _ := os.ReadFile(first.Path)
	b, _ := os.ReadFile(second.Path)
	if string(a) != "cat-bytes-a" || string(b) != "cat-bytes-b" {
		t.Fatalf("unexpected contents %q and %q", a, b)
	}
}

func TestFetchAddsSniffedExtension(t *testing.T) {
	server := newImageServer(t)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{})

	img, err := f.Fetch(context.Background(), server.URL+"/render", t.TempDir(), 3)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got := filepath.Base(img.Path); got != "3_render.png" {
		t.Fatalf("unexpected file name %s", got)
	}
}

func TestFetchNonSuccessStatus(t *testing.T) {
	server := newImageServer(t)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{})

	_, err := f.Fetch(context.Background(), server.URL+"/missing.jpg", t.TempDir(), 0)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %T (%v)", err, err)
	}
	if dlErr.Status != http.StatusNotFound {
		t.Fatalf("unexpected status %d", dlErr.Status)
	}
	if !strings.Contains(dlErr.Error(), server.URL+"/missing.jpg") {
		t.Fatalf("expected error to name the URL, got %q", dlErr.Error())
	}
}

func TestFetchMalformedURL(t *testing.T) {
	f := NewFetcher(http.DefaultClient, zap.NewNop(), Options{})

	_, err := f.Fetch(context.Background(), "::not a url", t.TempDir(), 0)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %T", err)
	}
	if dlErr.URL != "::not a url" {
		t.Fatalf("unexpected url %q", dlErr.URL)
	}
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(server.Close)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{MaxBytes: 16})

	_, err := f.Fetch(context.Background(), server.URL+"/big.jpg", t.TempDir(), 0)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{
		Retries:        2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	if _, err := f.Fetch(context.Background(), server.URL+"/flaky.jpg", t.TempDir(), 0); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestFetchDoesNotRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{})

	if _, err := f.Fetch(context.Background(), server.URL+"/flaky.jpg", t.TempDir(), 0); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)
	f := NewFetcher(server.Client(), zap.NewNop(), Options{Retries: 3, InitialBackoff: time.Millisecond})

	if _, err := f.Fetch(context.Background(), server.URL+"/private.jpg", t.TempDir(), 0); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	f := NewFetcher(server.Client(), zap.NewNop(), Options{Timeout: 20 * time.Millisecond})

	_, err := f.Fetch(context.Background(), server.URL+"/slow.jpg", t.TempDir(), 0)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %T (%v)", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFileName(t *testing.T) {
	cases := []struct {
		name   string
		index  int
		rawURL string
		want   string
	}{
		{name: "basename", index: 0, rawURL: "https://ex.com/a.jpg", want: "0_a.jpg"},
		{name: "query ignored", index: 2, rawURL: "https://ex.com/p/b.png?size=large", want: "2_b.png"},
		{name: "root path", index: 1, rawURL: "https://ex.com/", want: "1_image"},
		{name: "unsafe characters", index: 4, rawURL: "https://ex.com/my%20cat%3F.jpg", want: "4_my_cat_.jpg"},
		{name: "dots only", index: 5, rawURL: "https://ex.com/..", want: "5_image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fileName(tc.index, tc.rawURL, nil); got != tc.want {
				t.Fatalf("fileName(%d, %q) = %q, want %q", tc.index, tc.rawURL, got, tc.want)
			}
		})
	}
}
