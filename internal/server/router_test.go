package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/img-hub/internal/cache"
	"github.com/any-hub/img-hub/internal/downloader"
	"github.com/any-hub/img-hub/internal/logging"
	"github.com/any-hub/img-hub/internal/manager"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()

	memory := cache.NewMemoryStore(cache.MemoryStoreOptions{})
	t.Cleanup(memory.Close)
	disk, err := cache.NewDiskStore(cache.DiskStoreOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create disk store: %v", err)
	}
	t.Cleanup(disk.Close)

	dl := downloader.New(downloader.DownloaderOptions{MaxConcurrent: 4})
	t.Cleanup(dl.Close)

	return manager.New(manager.ManagerOptions{
		Cache: cache.New(cache.CacheOptions{
			Memory:        memory,
			Disk:          disk,
			CacheInMemory: true,
		}),
		Downloader: dl,
	})
}

func newTestApp(t *testing.T, opts AppOptions) *fiber.App {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Manager == nil {
		opts.Manager = newTestManager(t)
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	return app
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{Manager: newTestManager(t)}); err == nil {
		t.Fatalf("缺少 logger 应当报错")
	}
	if _, err := NewApp(AppOptions{Logger: logging.NewNop()}); err == nil {
		t.Fatalf("缺少 manager 应当报错")
	}
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestImageEndpointRequiresURL(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest("GET", "/i", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestImageEndpointServesAndCaches(t *testing.T) {
	payload := encodePNG(t, 8, 8)
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(payload)
	}))
	defer upstream.Close()

	app := newTestApp(t, AppOptions{})

	first, err := app.Test(httptest.NewRequest("GET", "/i?u="+upstream.URL, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if first.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}
	if tier := first.Header.Get("X-Img-Hub-Cache"); tier != "none" {
		t.Fatalf("cold load should report none, got %q", tier)
	}
	if ct := first.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	body, _ := io.ReadAll(first.Body)
	if !bytes.Equal(body, payload) {
		t.Fatalf("served payload mismatch")
	}

	second, err := app.Test(httptest.NewRequest("GET", "/i?u="+upstream.URL, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if tier := second.Header.Get("X-Img-Hub-Cache"); tier != "memory" {
		t.Fatalf("warm load should report memory, got %q", tier)
	}
	if hits != 1 {
		t.Fatalf("warm load must not refetch: %d hits", hits)
	}
}

func TestImageEndpointUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest("GET", "/i?u="+upstream.URL, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestStatz(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest("GET", "/statz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats failed: %v", err)
	}
	for _, field := range []string{"memory_entries", "memory_cost", "disk_entries", "disk_bytes", "in_flight", "running"} {
		if _, ok := stats[field]; !ok {
			t.Fatalf("statz 缺少字段 %s: %v", field, stats)
		}
	}
}

func TestClearCache(t *testing.T) {
	app := newTestApp(t, AppOptions{})

	resp, err := app.Test(httptest.NewRequest("DELETE", "/cache?tier=memory", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	bad, err := app.Test(httptest.NewRequest("DELETE", "/cache?tier=bogus", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if bad.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("unknown tier should 400, got %d", bad.StatusCode)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	app := newTestApp(t, AppOptions{
		RequestsPerSecond: 1,
		RequestBurst:      1,
	})

	first, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if first.StatusCode != fiber.StatusNoContent {
		t.Fatalf("first request should pass, got %d", first.StatusCode)
	}

	second, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if second.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", second.StatusCode)
	}
}
