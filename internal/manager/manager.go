package manager

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/cache"
	"github.com/any-hub/img-hub/internal/downloader"
	"github.com/any-hub/img-hub/internal/imaging"
)

// ErrInvalidURL 表示空 URL，在任何调度发生前同步投递。
var ErrInvalidURL = errors.New("invalid URL")

// ErrBlacklisted 包装黑名单命中时返回的历史错误。
var ErrBlacklisted = errors.New("URL previously failed")

// CompletionFunc 接收一次加载的结果。tier 标记来源缓存层，
// 网络结果为 cache.TypeNone；RefreshCached 预览与渐进式部分
// 结果以 finished=false 投递，终态恰好一次 finished=true。
type CompletionFunc func(img *imaging.Image, data []byte, err error, tier cache.Type, finished bool, url string)

// Manager 编排 内存 → 磁盘 → 网络 的回落链路，并把下载结果写回
// 两级缓存。可多实例共存，各实例有独立的缓存根与黑名单。
type Manager struct {
	cache      *cache.Cache
	downloader *downloader.Downloader
	logger     *logrus.Logger

	failedMu sync.RWMutex
	failed   map[string]error

	runningMu sync.Mutex
	running   map[*Operation]struct{}
}

// ManagerOptions 注入两个协作组件。
type ManagerOptions struct {
	Cache      *cache.Cache
	Downloader *downloader.Downloader
	Logger     *logrus.Logger
}

// New 构建 Manager。
func New(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		cache:      opts.Cache,
		downloader: opts.Downloader,
		logger:     logger,
		failed:     make(map[string]error),
		running:    make(map[*Operation]struct{}),
	}
}

// Cache 暴露两级缓存门面，诊断接口使用。
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Downloader 暴露下载器。
func (m *Manager) Downloader() *downloader.Downloader { return m.downloader }

// CacheKeyForURL 返回 URL 对应的缓存键，ctx 可用 CtxCacheKeyFilter
// 覆盖默认的 MD5 推导。
func (m *Manager) CacheKeyForURL(url string, ctx Context) string {
	if filter := ctx.cacheKeyFilter(); filter != nil {
		return filter(url)
	}
	return cache.KeyForURL(url)
}

// LoadImage 发起一次端到端加载并返回句柄。无效 URL、黑名单短路与
// 内存命中在返回前同步投递，磁盘与网络结果从内部协程投递；同一 URL
// 的多个并发请求共享一次网络传输。
func (m *Manager) LoadImage(url string, opts Option, ctx Context, progress downloader.ProgressFunc, completion CompletionFunc) *Operation {
	op := &Operation{}

	deliver := func(img *imaging.Image, data []byte, err error, tier cache.Type, finished bool) {
		if op.Cancelled() || completion == nil {
			return
		}
		completion(img, data, err, tier, finished, url)
	}

	if url == "" {
		deliver(nil, nil, ErrInvalidURL, cache.TypeNone, true)
		return op
	}

	// 黑名单：历史上以不可重试错误失败过的 URL 直接短路，
	// 除非调用方带上 RetryFailed。
	if !opts.Has(OptionRetryFailed) {
		if failedErr := m.failedError(url); failedErr != nil {
			deliver(nil, nil, fmt.Errorf("%w: %v", ErrBlacklisted, failedErr), cache.TypeNone, true)
			return op
		}
	}

	op.onDone = func() { m.untrack(op) }
	m.track(op)
	key := m.CacheKeyForURL(url, ctx)

	finish := func(img *imaging.Image, data []byte, err error, tier cache.Type) {
		m.untrack(op)
		deliver(img, data, err, tier, true)
	}

	queryType := ctx.queryCacheType(cache.TypeAll)
	if queryType == cache.TypeNone {
		m.download(url, key, opts, ctx, op, progress, deliver, finish)
		return op
	}

	cacheOp := m.cache.QueryImage(key, func(img *imaging.Image, data []byte, tier cache.Type) {
		if op.Cancelled() {
			m.untrack(op)
			return
		}
		if img != nil {
			if !opts.Has(OptionRefreshCached) {
				finish(img, data, nil, tier)
				return
			}
			// 预览投递在终态之前，finished=false。
			deliver(img, data, nil, tier, false)
		}
		m.download(url, key, opts, ctx, op, progress, deliver, finish)
	})
	op.attachCacheOp(cacheOp)
	return op
}

// download 发起网络传输并在成功时把结果写回缓存。
func (m *Manager) download(url, key string, opts Option, ctx Context, op *Operation, progress downloader.ProgressFunc, deliver func(*imaging.Image, []byte, error, cache.Type, bool), finish func(*imaging.Image, []byte, error, cache.Type)) {
	var progressCb downloader.ProgressFunc
	if progress != nil {
		progressCb = func(received, expected int64) {
			if !op.Cancelled() {
				progress(received, expected)
			}
		}
	}

	token, err := m.downloader.Download(url, opts.downloaderOptions(), progressCb,
		nil,
		func(data []byte, img *imaging.Image, err error, finished bool) {
			if !finished {
				deliver(img, data, nil, cache.TypeNone, false)
				return
			}
			if err != nil {
				if isNonRetriable(err) {
					m.markFailed(url, err)
				}
				finish(nil, nil, err, cache.TypeNone)
				return
			}

			target := cache.TypeAll
			if opts.Has(OptionCacheMemoryOnly) {
				target = cache.TypeMemory
			}
			target = ctx.storeCacheType(target)
			m.cache.StoreImage(img, data, key, target, nil)

			finish(img, data, nil, cache.TypeNone)
		})
	if err != nil {
		finish(nil, nil, err, cache.TypeNone)
		return
	}
	op.attachToken(token)
}

// IsCached 回报 URL 的缓存状态：inMemory 同步探测，onDisk 经
// 串行 I/O 协程后异步投递。
func (m *Manager) IsCached(url string, completion func(inMemory, onDisk bool)) {
	if completion == nil {
		return
	}
	key := cache.KeyForURL(url)
	inMemory := m.cache.MemoryContains(key)
	m.cache.DiskContainsAsync(key, func(onDisk bool) {
		completion(inMemory, onDisk)
	})
}

// CancelAll 取消全部在途请求、中止全部传输并清空黑名单。
func (m *Manager) CancelAll() {
	m.runningMu.Lock()
	ops := make([]*Operation, 0, len(m.running))
	for op := range m.running {
		ops = append(ops, op)
	}
	m.running = make(map[*Operation]struct{})
	m.runningMu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
	m.downloader.CancelAll()
	m.ClearFailedURLs()
}

// ClearFailedURLs 清空失败黑名单。
func (m *Manager) ClearFailedURLs() {
	m.failedMu.Lock()
	m.failed = make(map[string]error)
	m.failedMu.Unlock()
}

// RunningCount 返回在途请求数。
func (m *Manager) RunningCount() int {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return len(m.running)
}

func (m *Manager) failedError(url string) error {
	m.failedMu.RLock()
	defer m.failedMu.RUnlock()
	return m.failed[url]
}

func (m *Manager) markFailed(url string, err error) {
	m.failedMu.Lock()
	m.failed[url] = err
	m.failedMu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"action": "blacklist",
		"url":    url,
	}).Debug("URL added to failure blacklist")
}

func (m *Manager) track(op *Operation) {
	m.runningMu.Lock()
	m.running[op] = struct{}{}
	m.runningMu.Unlock()
}

func (m *Manager) untrack(op *Operation) {
	m.runningMu.Lock()
	delete(m.running, op)
	m.runningMu.Unlock()
}

// isNonRetriable 判定错误是否应把 URL 拉黑：客户端可判定的
// HTTP 4xx 终态、TLS 信任失败与主动取消都不值得自动重试。
func isNonRetriable(err error) bool {
	var statusErr *downloader.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case 400, 403, 404, 410:
			return true
		}
		return false
	}

	var certVerifyErr *tls.CertificateVerificationError
	if errors.As(err, &certVerifyErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		return true
	}

	return errors.Is(err, context.Canceled)
}
