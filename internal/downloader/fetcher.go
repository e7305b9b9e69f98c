package downloader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout 单次 HTTP 传输的默认超时。
const DefaultTimeout = 15 * time.Second

// ProgressUnknown 是 expected 总量未知时的哨兵值。
const ProgressUnknown int64 = -1

// fetchChunkSize 读循环的缓冲大小。
const fetchChunkSize = 32 * 1024

// ProgressFunc 在每个数据块到达时收到 (已接收, 预期总量)。
// 总量未知时 expected 为 ProgressUnknown。
type ProgressFunc func(received, expected int64)

// RedirectFunc 在每次 3xx 跳转时收到即将发出的新请求，返回要
// 执行的请求（可改写），返回 nil 表示终止跳转。
type RedirectFunc func(req *http.Request) *http.Request

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Fetcher 执行一次 HTTP 传输。生命周期从第一个订阅者出现开始，
// 到传输完成/失败/全部订阅者取消为止；终态信号恰好一个：
// completion 或 cancelled。
type Fetcher struct {
	url     string
	options Options
	timeout time.Duration

	progress ProgressFunc
	redirect RedirectFunc
	// completion 收到原始字节或错误；取消不会触发它。
	completion func(data []byte, err error)
	cancelled  func()
	// partial 在 ProgressiveDownload 下按节流间隔收到累计字节。
	partial func(data []byte)
	// started 在请求真正发出前触发一次。
	started func()

	ctx      context.Context
	cancel   context.CancelFunc
	terminal sync.Once
	begun    atomic.Bool
}

// Begun 报告传输是否真正开始过（用于配对 start/stop 信号）。
func (f *Fetcher) Begun() bool {
	return f.begun.Load()
}

// fetcherConfig 由 Downloader 填充聚合回调。
type fetcherConfig struct {
	url        string
	options    Options
	timeout    time.Duration
	progress   ProgressFunc
	redirect   RedirectFunc
	completion func(data []byte, err error)
	cancelled  func()
	partial    func(data []byte)
	started    func()
}

func newFetcher(cfg fetcherConfig) *Fetcher {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		url:        cfg.url,
		options:    cfg.options,
		timeout:    timeout,
		progress:   cfg.progress,
		redirect:   cfg.redirect,
		completion: cfg.completion,
		cancelled:  cfg.cancelled,
		partial:    cfg.partial,
		started:    cfg.started,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Cancel 中止传输。cancelled 回调恰好触发一次；若终态已投递则 no-op。
func (f *Fetcher) Cancel() {
	f.cancel()
	f.terminal.Do(func() {
		if f.cancelled != nil {
			f.cancelled()
		}
	})
}

// Run 执行传输并投递终态。在工作池协程上调用。
func (f *Fetcher) Run() {
	data, err := f.transfer()

	if f.ctx.Err() != nil {
		// 取消路径：终态（如果还没投递）由 Cancel 负责。
		f.terminal.Do(func() {
			if f.cancelled != nil {
				f.cancelled()
			}
		})
		return
	}

	f.terminal.Do(func() {
		if f.completion != nil {
			f.completion(data, err)
		}
	})
}

func (f *Fetcher) transfer() ([]byte, error) {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")
	// 传输层禁用响应缓存，避免与磁盘层重复存一份。
	req.Header.Set("Cache-Control", "no-store")

	client, err := f.buildClient()
	if err != nil {
		return nil, err
	}

	f.begun.Store(true)
	if f.started != nil {
		f.started()
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	return f.readBody(resp)
}

// buildClient 为本次传输装配 http.Client：按选项接 Cookie jar、
// 放开 TLS 校验，并把跳转决策交给 redirect 回调。
func (f *Fetcher) buildClient() (*http.Client, error) {
	transport := defaultTransport.Clone()
	if f.options.Has(OptionAllowInvalidSSLCertificates) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{
		Timeout:   f.timeout,
		Transport: transport,
	}

	if f.options.Has(OptionHandleCookies) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if f.redirect == nil {
			return nil
		}
		next := f.redirect(req)
		if next == nil {
			return http.ErrUseLastResponse
		}
		*req = *next
		return nil
	}

	return client, nil
}

func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	expected := resp.ContentLength
	if expected < 0 {
		expected = ProgressUnknown
	}

	var (
		buf           = make([]byte, fetchChunkSize)
		body          []byte
		received      int64
		lastPartial   int64
		progressive   = f.options.Has(OptionProgressiveDownload) && f.partial != nil
		partialStride = int64(16 * 1024)
	)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
			received += int64(n)
			if f.progress != nil {
				f.progress(received, expected)
			}
			if progressive && received-lastPartial >= partialStride {
				lastPartial = received
				f.partial(append([]byte(nil), body...))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}

	// 成功结束时补一条 (total, total)，让订阅方确定收尾。
	if f.progress != nil {
		f.progress(received, received)
	}
	return body, nil
}
