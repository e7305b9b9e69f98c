package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/config"
	"github.com/any-hub/img-hub/internal/imaging"
)

// DefaultAutoTrimInterval 是后台修剪循环的默认周期。
const DefaultAutoTrimInterval = 5 * time.Second

// trimBackoff 修剪循环抢锁失败后的退避时长。
const trimBackoff = 10 * time.Millisecond

// memoryNode 是 LRU 双向链表节点，同时挂在 entries 映射里。
// head 方向是最近使用端，淘汰永远从 tail 弹出。
type memoryNode struct {
	key   string
	image *imaging.Image
	cost  uint64
	prev  *memoryNode
	next  *memoryNode
}

// MemoryStore 按成本与条目数双重上限做 LRU 淘汰的内存缓存层。
//
// 单把互斥锁保护映射、链表与两个累计值；所有可见操作都是 O(1)。
// 每次释放锁时维持不变量：totalCost = Σ cost，totalCount = len(entries)，
// 链表头尾指针与映射内容一致。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryNode
	head    *memoryNode
	tail    *memoryNode

	totalCost  uint64
	totalCount int

	// 上限值单独一把锁，配置热更新不与数据路径抢锁。
	limitMu  sync.RWMutex
	maxCost  uint64
	maxCount int

	logger *logrus.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// MemoryStoreOptions 控制上限与修剪周期，零值表示不限制。
type MemoryStoreOptions struct {
	MaxCost          uint64
	MaxCount         int
	AutoTrimInterval time.Duration
	Logger           *logrus.Logger
}

// NewMemoryStore 构建内存层并启动后台修剪循环。用完必须 Close。
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	interval := opts.AutoTrimInterval
	if interval <= 0 {
		interval = DefaultAutoTrimInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &MemoryStore{
		entries:  make(map[string]*memoryNode),
		maxCost:  opts.MaxCost,
		maxCount: opts.MaxCount,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go s.trimLoop(interval)
	return s
}

// Close 停止后台修剪。存量数据保留，可继续读写。
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Get 返回键对应的图片并晋升到链表头；未命中返回 nil。
func (s *MemoryStore) Get(key string) *imaging.Image {
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.entries[key]
	if node == nil {
		return nil
	}
	s.moveToHead(node)
	return node.image
}

// Contains 只探测存在性，不晋升。
func (s *MemoryStore) Contains(key string) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key] != nil
}

// Put 插入或原地覆盖条目并晋升到头部，随后按上限淘汰。
// 覆盖时 totalCost 只记增量。空键是 no-op。
func (s *MemoryStore) Put(key string, img *imaging.Image, cost uint64) {
	if key == "" || img == nil {
		return
	}

	maxCost, maxCount := s.limits()

	s.mu.Lock()
	if node := s.entries[key]; node != nil {
		s.totalCost = s.totalCost - node.cost + cost
		node.image = img
		node.cost = cost
		s.moveToHead(node)
	} else {
		node = &memoryNode{key: key, image: img, cost: cost}
		s.entries[key] = node
		s.pushHead(node)
		s.totalCost += cost
		s.totalCount++
	}
	evicted := s.evictLocked(maxCost, maxCount)
	s.mu.Unlock()

	s.releaseAsync(evicted)
}

// Remove 删除条目；键不存在时是 no-op。
func (s *MemoryStore) Remove(key string) {
	if key == "" {
		return
	}

	s.mu.Lock()
	node := s.entries[key]
	if node != nil {
		s.unlink(node)
		delete(s.entries, key)
		s.totalCost -= node.cost
		s.totalCount--
	}
	s.mu.Unlock()

	if node != nil {
		s.releaseAsync([]*memoryNode{node})
	}
}

// Clear 清空全部条目。旧映射整体移交给低优先级协程释放，
// 调用方不用等待大对象的回收成本。
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*memoryNode)
	s.head = nil
	s.tail = nil
	s.totalCost = 0
	s.totalCount = 0
	s.mu.Unlock()

	go func(dropped map[string]*memoryNode) {
		for _, node := range dropped {
			node.image = nil
			node.prev = nil
			node.next = nil
		}
	}(old)
}

// Stats 返回当前条目数与累计成本。
func (s *MemoryStore) Stats() (int, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCount, s.totalCost
}

// OnConfigChanged 实现 config.Subscriber，把热更新映射到上限字段。
// 不认识的字段直接忽略。
func (s *MemoryStore) OnConfigChanged(change config.Change) {
	switch change.Field {
	case config.FieldMaxMemoryCost:
		if v, ok := change.Value.(uint64); ok {
			s.SetMaxCost(v)
		}
	case config.FieldMaxMemoryCount:
		if v, ok := change.Value.(int); ok {
			s.SetMaxCount(v)
		}
	}
}

// SetMaxCost 热更新成本上限；下一次变更或修剪周期生效。
func (s *MemoryStore) SetMaxCost(maxCost uint64) {
	s.limitMu.Lock()
	s.maxCost = maxCost
	s.limitMu.Unlock()
}

// SetMaxCount 热更新条目数上限；下一次变更或修剪周期生效。
func (s *MemoryStore) SetMaxCount(maxCount int) {
	s.limitMu.Lock()
	s.maxCount = maxCount
	s.limitMu.Unlock()
}

func (s *MemoryStore) limits() (uint64, int) {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return s.maxCost, s.maxCount
}

// trimLoop 周期性重放两条淘汰路径。抢不到锁时退避重试，
// 绝不阻塞等待，保证前台读写不被修剪饿死。
func (s *MemoryStore) trimLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.trimOnce()
		}
	}
}

// trimOnce 以 try-lock + 退避方式执行一轮淘汰。成本与条目数
// 两条路径使用同一抢锁策略。
func (s *MemoryStore) trimOnce() {
	maxCost, maxCount := s.limits()
	if maxCost == 0 && maxCount == 0 {
		return
	}

	for {
		if s.mu.TryLock() {
			break
		}
		select {
		case <-s.stop:
			return
		case <-time.After(trimBackoff):
		}
	}
	evicted := s.evictLocked(maxCost, maxCount)
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "memory_trim",
			"evicted": len(evicted),
		}).Debug("trimmed memory cache")
	}
	s.releaseAsync(evicted)
}

// evictLocked 从尾部弹出直到两个上限同时满足。调用方持锁。
func (s *MemoryStore) evictLocked(maxCost uint64, maxCount int) []*memoryNode {
	var evicted []*memoryNode
	for s.tail != nil {
		overCost := maxCost > 0 && s.totalCost > maxCost
		overCount := maxCount > 0 && s.totalCount > maxCount
		if !overCost && !overCount {
			break
		}
		node := s.tail
		s.unlink(node)
		delete(s.entries, node.key)
		s.totalCost -= node.cost
		s.totalCount--
		evicted = append(evicted, node)
	}
	return evicted
}

// releaseAsync 把被逐出的节点交给独立协程清引用，
// 将大对象的释放成本移出热路径。
func (s *MemoryStore) releaseAsync(nodes []*memoryNode) {
	if len(nodes) == 0 {
		return
	}
	go func(dropped []*memoryNode) {
		for _, node := range dropped {
			node.image = nil
			node.prev = nil
			node.next = nil
		}
	}(nodes)
}

func (s *MemoryStore) pushHead(node *memoryNode) {
	node.prev = nil
	node.next = s.head
	if s.head != nil {
		s.head.prev = node
	}
	s.head = node
	if s.tail == nil {
		s.tail = node
	}
}

func (s *MemoryStore) unlink(node *memoryNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		s.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		s.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (s *MemoryStore) moveToHead(node *memoryNode) {
	if s.head == node {
		return
	}
	s.unlink(node)
	s.pushHead(node)
}
