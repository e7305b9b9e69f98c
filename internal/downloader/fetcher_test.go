package downloader

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
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

func TestFetcherTransfersBytes(t *testing.T) {
	payload := encodePNG(t, 8, 8)
	var acceptHeader atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptHeader.Store(r.Header.Get("Accept"))
		w.Write(payload)
	}))
	defer upstream.Close()

	var (
		wg   sync.WaitGroup
		data []byte
		err  error
	)
	wg.Add(1)
	f := newFetcher(fetcherConfig{
		url: upstream.URL,
		completion: func(gotData []byte, gotErr error) {
			data = gotData
			err = gotErr
			wg.Done()
		},
	})
	go f.Run()
	wg.Wait()

	if err != nil {
		t.Fatalf("transfer error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(data))
	}
	if got := acceptHeader.Load(); got != "image/*" {
		t.Fatalf("expected Accept: image/*, got %v", got)
	}
}

func TestFetcherReportsProgress(t *testing.T) {
	payload := make([]byte, 200*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer upstream.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received []int64
	)
	wg.Add(1)
	f := newFetcher(fetcherConfig{
		url: upstream.URL,
		progress: func(got, expected int64) {
			mu.Lock()
			received = append(received, got)
			mu.Unlock()
		},
		completion: func([]byte, error) { wg.Done() },
	})
	go f.Run()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatalf("expected at least one progress callback")
	}
	// 成功传输以 (total, total) 收尾。
	if received[len(received)-1] != int64(len(payload)) {
		t.Fatalf("final progress should equal total: %d", received[len(received)-1])
	}
	for i := 1; i < len(received); i++ {
		if received[i] < received[i-1] {
			t.Fatalf("progress must be monotonic: %v", received)
		}
	}
}

func TestFetcherStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	f := newFetcher(fetcherConfig{
		url: upstream.URL,
		completion: func(_ []byte, gotErr error) {
			err = gotErr
			wg.Done()
		},
	})
	go f.Run()
	wg.Wait()

	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("期望 StatusError，实际 %v", err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", statusErr.Code)
	}
}

func TestFetcherFollowsRedirectByDefault(t *testing.T) {
	payload := []byte("final payload")
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer final.Close()
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer redirecting.Close()

	var (
		wg   sync.WaitGroup
		data []byte
		err  error
	)
	wg.Add(1)
	f := newFetcher(fetcherConfig{
		url: redirecting.URL,
		completion: func(gotData []byte, gotErr error) {
			data = gotData
			err = gotErr
			wg.Done()
		},
	})
	go f.Run()
	wg.Wait()

	if err != nil {
		t.Fatalf("transfer error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("redirect target payload mismatch")
	}
}

func TestFetcherRedirectCallbackCanVeto(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not be reached"))
	}))
	defer final.Close()
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer redirecting.Close()

	var (
		wg       sync.WaitGroup
		err      error
		observed atomic.Bool
	)
	wg.Add(1)
	f := newFetcher(fetcherConfig{
		url: redirecting.URL,
		redirect: func(req *http.Request) *http.Request {
			observed.Store(true)
			return nil // 终止跳转
		},
		completion: func(_ []byte, gotErr error) {
			err = gotErr
			wg.Done()
		},
	})
	go f.Run()
	wg.Wait()

	if !observed.Load() {
		t.Fatalf("redirect callback should have been invoked")
	}
	// 被否决的跳转把 302 作为最终响应，状态检查会拒绝它。
	if _, ok := err.(*StatusError); !ok {
		t.Fatalf("期望 StatusError，实际 %v", err)
	}
}

func TestFetcherCancel(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("late"))
	}))
	defer upstream.Close()
	defer close(release)

	var (
		completions atomic.Int32
		cancels     atomic.Int32
	)
	f := newFetcher(fetcherConfig{
		url:        upstream.URL,
		completion: func([]byte, error) { completions.Add(1) },
		cancelled:  func() { cancels.Add(1) },
	})
	go f.Run()

	time.Sleep(50 * time.Millisecond)
	f.Cancel()
	f.Cancel() // 幂等

	time.Sleep(100 * time.Millisecond)
	if got := cancels.Load(); got != 1 {
		t.Fatalf("cancelled 回调应当恰好一次，实际 %d", got)
	}
	if got := completions.Load(); got != 0 {
		t.Fatalf("取消后不应有 completion，实际 %d", got)
	}
}
