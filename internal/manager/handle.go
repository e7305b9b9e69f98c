package manager

import (
	"sync"
	"sync/atomic"

	"github.com/any-hub/img-hub/internal/cache"
	"github.com/any-hub/img-hub/internal/downloader"
)

// Operation 是一次 LoadImage 请求的可取消句柄。Cancel 幂等，
// 完成后调用是 no-op；取消只拆除本请求——同 URL 还有其他订阅者
// 时底层传输继续。
type Operation struct {
	cancelled atomic.Bool

	mu      sync.Mutex
	cacheOp *cache.QueryOperation
	token   *downloader.Token
	onDone  func()
}

// Cancel 终止本请求。被取消的请求不再收到任何回调。
func (op *Operation) Cancel() {
	if op == nil || !op.cancelled.CompareAndSwap(false, true) {
		return
	}

	op.mu.Lock()
	cacheOp := op.cacheOp
	token := op.token
	done := op.onDone
	op.cacheOp = nil
	op.token = nil
	op.onDone = nil
	op.mu.Unlock()

	if cacheOp != nil {
		cacheOp.Cancel()
	}
	if token != nil {
		token.Cancel()
	}
	if done != nil {
		done()
	}
}

// Cancelled 报告句柄是否已被取消。
func (op *Operation) Cancelled() bool {
	return op != nil && op.cancelled.Load()
}

// attachCacheOp 记录当前阶段的磁盘查询句柄；句柄已取消时立即
// 级联取消。
func (op *Operation) attachCacheOp(cacheOp *cache.QueryOperation) {
	if cacheOp == nil {
		return
	}
	op.mu.Lock()
	if op.cancelled.Load() {
		op.mu.Unlock()
		cacheOp.Cancel()
		return
	}
	op.cacheOp = cacheOp
	op.mu.Unlock()
}

// attachToken 记录下载订阅句柄，语义同 attachCacheOp。
func (op *Operation) attachToken(token *downloader.Token) {
	if token == nil {
		return
	}
	op.mu.Lock()
	if op.cancelled.Load() {
		op.mu.Unlock()
		token.Cancel()
		return
	}
	op.token = token
	op.mu.Unlock()
}
