package cache

import (
	"bytes"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/img-hub/internal/imaging"
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

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	memory := NewMemoryStore(MemoryStoreOptions{})
	t.Cleanup(memory.Close)
	disk := newTestDiskStore(t, DiskStoreOptions{})
	return New(CacheOptions{
		Memory:        memory,
		Disk:          disk,
		CacheInMemory: true,
	})
}

// queryWait 同步等待一次查询结果。
func queryWait(t *testing.T, c *Cache, key string) (*imaging.Image, Type) {
	t.Helper()

	var (
		wg   sync.WaitGroup
		img  *imaging.Image
		tier Type
	)
	wg.Add(1)
	c.QueryImage(key, func(got *imaging.Image, _ []byte, gotTier Type) {
		img = got
		tier = gotTier
		wg.Done()
	})
	waitTimeout(t, &wg)
	return img, tier
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("等待回调超时")
	}
}

func TestCacheStoreBothTiersAndQuery(t *testing.T) {
	c := newTestCache(t)
	data := encodePNG(t, 4, 4)
	img, err := imaging.StdDecoder{}.Decode(data, 1)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	c.StoreImage(img, data, "key1", TypeAll, func(err error) {
		if err != nil {
			t.Errorf("store error: %v", err)
		}
		wg.Done()
	})
	waitTimeout(t, &wg)

	got, tier := queryWait(t, c, "key1")
	if got == nil || tier != TypeMemory {
		t.Fatalf("expected memory hit, got tier=%v", tier)
	}
}

func TestCacheDiskReadThrough(t *testing.T) {
	c := newTestCache(t)
	data := encodePNG(t, 4, 4)
	img, err := imaging.StdDecoder{}.Decode(data, 1)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	c.StoreImage(img, data, "key1", TypeAll, func(error) { wg.Done() })
	waitTimeout(t, &wg)

	// 清内存后应当从磁盘读穿透，并回填内存。
	c.Memory().Clear()

	got, tier := queryWait(t, c, "key1")
	if got == nil {
		t.Fatalf("disk read-through should produce an image")
	}
	if tier != TypeDisk {
		t.Fatalf("expected disk hit, got %v", tier)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("read-through payload mismatch")
	}

	if !c.MemoryContains("key1") {
		t.Fatalf("磁盘命中后应当回填内存层")
	}
	if _, tier := queryWait(t, c, "key1"); tier != TypeMemory {
		t.Fatalf("second query should hit memory, got %v", tier)
	}
}

func TestCacheRemoveBothTiers(t *testing.T) {
	c := newTestCache(t)
	data := encodePNG(t, 4, 4)
	img, _ := imaging.StdDecoder{}.Decode(data, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	c.StoreImage(img, data, "key1", TypeAll, func(error) { wg.Done() })
	waitTimeout(t, &wg)

	wg.Add(1)
	c.RemoveImage("key1", TypeAll, func() { wg.Done() })
	waitTimeout(t, &wg)

	if got, tier := queryWait(t, c, "key1"); got != nil || tier != TypeNone {
		t.Fatalf("removed key should miss both tiers, got tier=%v", tier)
	}
}

func TestCacheStoreNoneIsNoop(t *testing.T) {
	c := newTestCache(t)
	data := encodePNG(t, 4, 4)
	img, _ := imaging.StdDecoder{}.Decode(data, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	c.StoreImage(img, data, "key1", TypeNone, func(err error) {
		if err != nil {
			t.Errorf("none target should succeed: %v", err)
		}
		wg.Done()
	})
	waitTimeout(t, &wg)

	if got, _ := queryWait(t, c, "key1"); got != nil {
		t.Fatalf("TypeNone 目标不应落任何一层")
	}
}

func TestCacheQueryEmptyKey(t *testing.T) {
	c := newTestCache(t)
	if got, tier := queryWait(t, c, ""); got != nil || tier != TypeNone {
		t.Fatalf("empty key should miss, got tier=%v", tier)
	}
}

func TestCacheQueryCorruptDiskPayload(t *testing.T) {
	c := newTestCache(t)

	// 直接把不可解码的字节写进磁盘层。
	if err := c.Disk().Put("bad", []byte("not an image")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	if got, tier := queryWait(t, c, "bad"); got != nil || tier != TypeNone {
		t.Fatalf("不可解码的磁盘负载应当按未命中处理, got tier=%v", tier)
	}
}

func TestCacheQueryCancel(t *testing.T) {
	c := newTestCache(t)
	data := encodePNG(t, 4, 4)
	img, _ := imaging.StdDecoder{}.Decode(data, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	c.StoreImage(img, data, "key1", TypeDisk, func(error) { wg.Done() })
	waitTimeout(t, &wg)
	c.Memory().Clear()

	fired := make(chan struct{}, 1)
	op := c.QueryImage("key1", func(*imaging.Image, []byte, Type) {
		fired <- struct{}{}
	})
	if op == nil {
		t.Fatalf("disk query should return a handle")
	}
	op.Cancel()
	op.Cancel() // 幂等

	select {
	case <-fired:
		// 取消与磁盘读取天然竞争；只要没有 panic 就接受已投递的结果。
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryTierInterfaceCompliance(t *testing.T) {
	var _ MemoryTier = (*MemoryStore)(nil)
	var _ DiskTier = (*DiskStore)(nil)
	var _ DiskTier = (*S3Store)(nil)
}
