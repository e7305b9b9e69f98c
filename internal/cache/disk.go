package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxAge 磁盘条目的默认保留期。
const DefaultMaxAge = 7 * 24 * time.Hour

// markNoBackup 在支持的平台上把缓存文件标记为不参与系统备份。
// Linux 上没有对应语义，默认实现是 no-op；保留钩子以便平台构建覆盖。
var markNoBackup = func(path string) error { return nil }

// DiskStore 是文件系统磁盘缓存层。所有变更与扫描都经过唯一的
// 串行工作协程，保证同键写入次序；读错误一律吞掉并按未命中处理，
// 后续的网络回源就是恢复路径。
type DiskStore struct {
	dir    string
	logger *logrus.Logger

	maxAge   time.Duration
	maxSize  int64
	noBackup bool
	readMMap bool

	jobs     chan func()
	stopOnce sync.Once
	done     chan struct{}
}

// DiskStoreOptions 控制磁盘层的根目录、命名空间与清理阈值。
type DiskStoreOptions struct {
	// Root 缓存根目录，必填。
	Root string
	// Namespace 根目录下的子目录名，默认 "img"。
	Namespace string
	// MaxAge 超龄删除阈值，0 表示使用 DefaultMaxAge。
	MaxAge time.Duration
	// MaxSize 容量上限（字节），0 表示不限制。
	MaxSize int64
	// DisableBackup 写入后把文件标记为免备份。
	DisableBackup bool
	// MemoryMappedReads 预留的读取策略开关，当前实现等价普通读取。
	MemoryMappedReads bool
	Logger            *logrus.Logger
}

// NewDiskStore 创建命名空间目录并启动串行 I/O 协程。用完必须 Close。
func NewDiskStore(opts DiskStoreOptions) (*DiskStore, error) {
	if opts.Root == "" {
		return nil, errors.New("storage path required")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "img"
	}

	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	dir := filepath.Join(abs, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &DiskStore{
		dir:      dir,
		logger:   logger,
		maxAge:   maxAge,
		maxSize:  opts.MaxSize,
		noBackup: opts.DisableBackup,
		readMMap: opts.MemoryMappedReads,
		jobs:     make(chan func()),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

// Close 停止串行工作协程。已入队的任务会先执行完。
func (s *DiskStore) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *DiskStore) worker() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.jobs:
			job()
		}
	}
}

// do 把任务投递到串行协程并等待完成；Store 已关闭时任务被丢弃。
func (s *DiskStore) do(job func()) bool {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		job()
	}
	select {
	case s.jobs <- wrapped:
		<-finished
		return true
	case <-s.done:
		return false
	}
}

// Get 读取键对应的文件内容。任何 I/O 错误都按未命中返回 nil。
func (s *DiskStore) Get(key string) []byte {
	if key == "" {
		return nil
	}
	var data []byte
	s.do(func() {
		payload, err := os.ReadFile(s.path(key))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_get",
					"key":    key,
				}).Warn("disk read failed, treating as miss")
			}
			return
		}
		data = payload
	})
	return data
}

// Contains 只探测文件存在性。
func (s *DiskStore) Contains(key string) bool {
	if key == "" {
		return false
	}
	exists := false
	s.do(func() {
		info, err := os.Stat(s.path(key))
		exists = err == nil && !info.IsDir()
	})
	return exists
}

// Put 以临时文件 + rename 的方式原子写入，需要时更新父目录与
// 免备份标记。
func (s *DiskStore) Put(key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	var err error
	s.do(func() { err = s.writeLocked(key, data) })
	return err
}

func (s *DiskStore) writeLocked(key string, data []byte) error {
	filePath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".img-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}

	if s.noBackup {
		if err := markNoBackup(filePath); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "disk_no_backup",
				"key":    key,
			}).Warn("failed to mark file as no-backup")
		}
	}
	return nil
}

// Remove 删除文件，键不存在时静默成功。
func (s *DiskStore) Remove(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	var err error
	s.do(func() {
		if rmErr := os.Remove(s.path(key)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = rmErr
		}
	})
	return err
}

// Clear 删除整个命名空间目录并重建为空目录。
func (s *DiskStore) Clear() error {
	var err error
	s.do(func() {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil {
			err = rmErr
			return
		}
		err = os.MkdirAll(s.dir, 0o755)
	})
	return err
}

// Cleanup 先删除超龄文件，再按 mtime 从旧到新删除直到总量低于
// MaxSize。空目录是 no-op。
func (s *DiskStore) Cleanup() error {
	var err error
	s.do(func() { err = s.cleanupLocked() })
	return err
}

type diskEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (s *DiskStore) cleanupLocked() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.maxAge)
	var (
		kept      []diskEntry
		totalSize int64
		removed   int
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(full); err == nil {
				removed++
			}
			continue
		}
		kept = append(kept, diskEntry{path: full, size: info.Size(), modTime: info.ModTime()})
		totalSize += info.Size()
	}

	if s.maxSize > 0 && totalSize > s.maxSize {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].modTime.Before(kept[j].modTime)
		})
		for _, entry := range kept {
			if totalSize <= s.maxSize {
				break
			}
			if err := os.Remove(entry.path); err != nil {
				continue
			}
			totalSize -= entry.size
			removed++
		}
	}

	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "disk_cleanup",
			"removed": removed,
		}).Info("disk cache cleanup finished")
	}
	return nil
}

// Stats 返回命名空间内的文件数与总字节数。
func (s *DiskStore) Stats() (int, int64) {
	var (
		count int
		size  int64
	)
	s.do(func() {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			count++
			size += info.Size()
		}
	})
	return count, size
}

// Dir 返回命名空间目录的绝对路径，测试与诊断接口使用。
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.dir, key)
}
