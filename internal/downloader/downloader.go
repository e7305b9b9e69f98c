package downloader

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/imaging"
)

// DefaultMaxConcurrent 同时运行的 Fetcher 上限默认值。
const DefaultMaxConcurrent = 2

// ErrInvalidURL 表示空 URL。
var ErrInvalidURL = errors.New("invalid URL")

// CompletionFunc 接收终态（finished=true）或渐进式部分结果
// （finished=false）。取消的订阅者不会收到任何投递。
type CompletionFunc func(data []byte, img *imaging.Image, err error, finished bool)

// subscriber 是桶里的一个订阅条目，按加入顺序保存。
type subscriber struct {
	id         string
	progress   ProgressFunc
	redirect   RedirectFunc
	completion CompletionFunc
	cancelled  atomic.Bool
}

// bucket 聚合同一 URL 的全部订阅者与它们共享的 Fetcher。
type bucket struct {
	fetcher  *Fetcher
	subs     []*subscriber
	stopOnce sync.Once
}

// Token 绑定一个订阅者，Cancel 只拆除这一个订阅；
// 最后一个订阅者取消时底层 Fetcher 才会被中止。
type Token struct {
	d   *Downloader
	url string
	id  string
}

// Cancel 幂等；完成后调用是 no-op。
func (t *Token) Cancel() {
	if t == nil || t.d == nil {
		return
	}
	t.d.cancelSubscriber(t.url, t.id)
}

// Downloader 在有界工作池上运行 Fetcher，并对同一 URL 的并发
// 请求做合并：任意时刻每个 URL 至多一个 Fetcher 在途。
//
// 桶映射遵循 barrier/shared 读写纪律：写路径独占（建桶、删桶、
// 订阅增删），读路径（progress/redirect 扇出）可以并发。终态
// 扇出次序固定：持锁快照 → 持锁删桶 → 放锁 → 按加入顺序回调，
// 保证迟到的订阅者拿到新桶而不是陈旧的完成结果。
type Downloader struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	queueMu sync.Mutex
	cond    *sync.Cond
	pending []*Fetcher
	active  int
	limit   int
	closed  bool

	timeout  time.Duration
	decoder  imaging.Decoder
	notifier *Notifier
	logger   *logrus.Logger
}

// DownloaderOptions 控制并发上限、单次超时与解码插件。
type DownloaderOptions struct {
	MaxConcurrent int
	Timeout       time.Duration
	Decoder       imaging.Decoder
	Logger        *logrus.Logger
}

// New 构建 Downloader 并启动调度协程。用完必须 Close。
func New(opts DownloaderOptions) *Downloader {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = imaging.StdDecoder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Downloader{
		buckets:  make(map[string]*bucket),
		limit:    limit,
		timeout:  opts.Timeout,
		decoder:  decoder,
		notifier: &Notifier{},
		logger:   logger,
	}
	d.cond = sync.NewCond(&d.queueMu)
	go d.dispatch()
	return d
}

// Notifier 返回下载活动信号的发布器。
func (d *Downloader) Notifier() *Notifier {
	return d.notifier
}

// SetMaxConcurrent 热更新并发上限，排队中的任务按新上限放行。
func (d *Downloader) SetMaxConcurrent(limit int) {
	if limit <= 0 {
		return
	}
	d.queueMu.Lock()
	d.limit = limit
	d.cond.Broadcast()
	d.queueMu.Unlock()
}

// InFlight 返回当前有订阅者的 URL 数。
func (d *Downloader) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.buckets)
}

// Close 取消全部在途传输并停止调度协程。
func (d *Downloader) Close() {
	d.CancelAll()
	d.queueMu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.queueMu.Unlock()
}

// Download 订阅 url 的下载。首个订阅者建桶并入队 Fetcher，
// 后续订阅者直接挂到既有桶上。返回的 Token 只约束本订阅者。
func (d *Downloader) Download(url string, opts Options, progress ProgressFunc, redirect RedirectFunc, completion CompletionFunc) (*Token, error) {
	if url == "" {
		return nil, ErrInvalidURL
	}

	sub := &subscriber{
		id:         uuid.NewString(),
		progress:   progress,
		redirect:   redirect,
		completion: completion,
	}

	d.mu.Lock()
	if b, ok := d.buckets[url]; ok {
		b.subs = append(b.subs, sub)
		d.mu.Unlock()
		return &Token{d: d, url: url, id: sub.id}, nil
	}

	b := &bucket{subs: []*subscriber{sub}}
	cfg := fetcherConfig{
		url:     url,
		options: opts,
		timeout: d.timeout,
		progress: func(received, expected int64) {
			d.fanoutProgress(url, received, expected)
		},
		redirect: func(req *http.Request) *http.Request {
			return d.fanoutRedirect(url, req)
		},
		completion: func(data []byte, err error) {
			d.finish(url, data, err)
		},
		cancelled: func() {
			d.finishCancelled(url)
		},
		started: func() {
			d.notifier.publish(Event{Kind: EventStart, URL: url})
		},
	}
	if opts.Has(OptionProgressiveDownload) {
		cfg.partial = func(data []byte) {
			d.fanoutPartial(url, data)
		}
	}
	b.fetcher = newFetcher(cfg)
	d.buckets[url] = b
	d.mu.Unlock()

	d.enqueue(b.fetcher, opts)
	return &Token{d: d, url: url, id: sub.id}, nil
}

// CancelAll 中止全部在途传输；已取消的订阅者不再收到回调。
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	dropped := d.buckets
	d.buckets = make(map[string]*bucket)
	d.mu.Unlock()

	for url, b := range dropped {
		for _, sub := range b.subs {
			sub.cancelled.Store(true)
		}
		b.fetcher.Cancel()
		d.publishStop(b, url)
	}
}

// cancelSubscriber 拆除单个订阅；桶空时中止 Fetcher 并删桶。
func (d *Downloader) cancelSubscriber(url, id string) {
	d.mu.Lock()
	b, ok := d.buckets[url]
	if !ok {
		d.mu.Unlock()
		return
	}
	for i, sub := range b.subs {
		if sub.id == id {
			sub.cancelled.Store(true)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	empty := len(b.subs) == 0
	if empty {
		delete(d.buckets, url)
	}
	d.mu.Unlock()

	if empty {
		b.fetcher.Cancel()
		d.publishStop(b, url)
	}
}

// finish 是 Fetcher 的终态回调：快照 → 删桶 → 放锁 → 解码 →
// 按加入顺序扇出。
func (d *Downloader) finish(url string, data []byte, err error) {
	d.mu.Lock()
	b := d.buckets[url]
	var subs []*subscriber
	if b != nil {
		subs = b.subs
		delete(d.buckets, url)
	}
	d.mu.Unlock()

	if b == nil {
		return
	}
	d.publishStop(b, url)

	var img *imaging.Image
	if err == nil {
		img, err = d.decoder.Decode(data, 1)
		if err != nil {
			// 字节已到手但解码失败：错误上抛，负载丢弃。
			data = nil
		}
	}
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"action": "download",
			"url":    url,
		}).Warn("download failed")
	}

	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		if sub.completion != nil {
			sub.completion(data, img, err, true)
		}
	}
}

// finishCancelled 收尾取消路径；桶通常已被取消方删除。
func (d *Downloader) finishCancelled(url string) {
	d.mu.Lock()
	b := d.buckets[url]
	if b != nil {
		delete(d.buckets, url)
	}
	d.mu.Unlock()

	if b != nil {
		d.publishStop(b, url)
	}
}

func (d *Downloader) publishStop(b *bucket, url string) {
	b.stopOnce.Do(func() {
		if b.fetcher != nil && b.fetcher.Begun() {
			d.notifier.publish(Event{Kind: EventStop, URL: url})
		}
	})
}

func (d *Downloader) fanoutProgress(url string, received, expected int64) {
	for _, sub := range d.snapshot(url) {
		if sub.cancelled.Load() {
			continue
		}
		if sub.progress != nil {
			sub.progress(received, expected)
		}
	}
}

func (d *Downloader) fanoutPartial(url string, data []byte) {
	subs := d.snapshot(url)
	if len(subs) == 0 {
		return
	}
	// 部分负载解码失败是常态（头部未到齐），静默跳过这一轮。
	img, err := d.decoder.Decode(data, 1)
	if err != nil {
		return
	}
	for _, sub := range subs {
		if sub.cancelled.Load() || sub.completion == nil {
			continue
		}
		sub.completion(data, img, nil, false)
	}
}

// fanoutRedirect 把新请求依次交给各订阅者的 redirect 回调，
// 任何一个返回 nil 即终止跳转。
func (d *Downloader) fanoutRedirect(url string, req *http.Request) *http.Request {
	current := req
	for _, sub := range d.snapshot(url) {
		if sub.cancelled.Load() || sub.redirect == nil {
			continue
		}
		current = sub.redirect(current)
		if current == nil {
			return nil
		}
	}
	return current
}

// snapshot 以共享锁读取桶内订阅者列表。
func (d *Downloader) snapshot(url string) []*subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b := d.buckets[url]
	if b == nil {
		return nil
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	return subs
}

// enqueue 按优先级入队：HighPriority 插队头，其余追加队尾。
func (d *Downloader) enqueue(f *Fetcher, opts Options) {
	d.queueMu.Lock()
	if opts.Has(OptionHighPriority) {
		d.pending = append([]*Fetcher{f}, d.pending...)
	} else {
		d.pending = append(d.pending, f)
	}
	d.cond.Signal()
	d.queueMu.Unlock()
}

// dispatch 在并发上限内把排队的 Fetcher 派发到工作协程。
func (d *Downloader) dispatch() {
	for {
		d.queueMu.Lock()
		for !d.closed && (len(d.pending) == 0 || d.active >= d.limit) {
			d.cond.Wait()
		}
		if d.closed {
			d.queueMu.Unlock()
			return
		}
		f := d.pending[0]
		d.pending = d.pending[1:]
		d.active++
		d.queueMu.Unlock()

		go func(f *Fetcher) {
			f.Run()
			d.queueMu.Lock()
			d.active--
			d.cond.Signal()
			d.queueMu.Unlock()
		}(f)
	}
}
