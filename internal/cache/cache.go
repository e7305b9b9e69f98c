package cache

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/imaging"
)

// QueryCompletion 接收查询结果：命中层、解码图与原始字节。
// 未命中时三个参数分别为 nil/nil/TypeNone。
type QueryCompletion func(img *imaging.Image, data []byte, tier Type)

// QueryOperation 是一次异步磁盘查询的可取消句柄。
// Cancel 幂等，完成后调用是 no-op。
type QueryOperation struct {
	cancelled atomic.Bool
}

// Cancel 阻止尚未投递的 completion 回调。
func (op *QueryOperation) Cancel() {
	if op == nil {
		return
	}
	op.cancelled.Store(true)
}

// Cache 组合内存层与磁盘层：查询按 内存 → 磁盘 顺序回落，
// 磁盘命中后解码并回填内存层。两层都是接口，可整体替换。
type Cache struct {
	memory  MemoryTier
	disk    DiskTier
	decoder imaging.Decoder
	logger  *logrus.Logger

	cacheInMemory bool
}

// CacheOptions 注入两层实现与解码器；Memory/Disk 为空时必须由
// 调用方保证不触达对应层。
type CacheOptions struct {
	Memory MemoryTier
	Disk   DiskTier
	// Decoder 磁盘命中后的解码插件，默认 imaging.StdDecoder。
	Decoder imaging.Decoder
	// CacheInMemory 为 false 时查询与写入都跳过内存层。
	CacheInMemory bool
	Logger        *logrus.Logger
}

// New 构建两层缓存门面。
func New(opts CacheOptions) *Cache {
	decoder := opts.Decoder
	if decoder == nil {
		decoder = imaging.StdDecoder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		memory:        opts.Memory,
		disk:          opts.Disk,
		decoder:       decoder,
		logger:        logger,
		cacheInMemory: opts.CacheInMemory,
	}
}

// Memory 暴露内存层，Manager 与诊断接口使用。
func (c *Cache) Memory() MemoryTier { return c.memory }

// Disk 暴露磁盘层。
func (c *Cache) Disk() DiskTier { return c.disk }

// QueryImage 按 内存 → 磁盘 顺序查询。内存命中时同步投递并返回
// nil 句柄；磁盘查询在独立协程执行，句柄可取消。completion 为
// nil 时仅做磁盘读穿透（回填内存）。
func (c *Cache) QueryImage(key string, completion QueryCompletion) *QueryOperation {
	if key == "" {
		if completion != nil {
			completion(nil, nil, TypeNone)
		}
		return nil
	}

	if c.cacheInMemory && c.memory != nil {
		if img := c.memory.Get(key); img != nil {
			if completion != nil {
				completion(img, img.Data, TypeMemory)
			}
			return nil
		}
	}

	if c.disk == nil {
		if completion != nil {
			completion(nil, nil, TypeNone)
		}
		return nil
	}

	op := &QueryOperation{}
	go func() {
		data := c.disk.Get(key)
		if op.cancelled.Load() {
			return
		}
		if data == nil {
			if completion != nil {
				completion(nil, nil, TypeNone)
			}
			return
		}

		img, err := c.decoder.Decode(data, 1)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_decode",
				"key":    key,
			}).Warn("cached payload failed to decode")
			if completion != nil {
				completion(nil, nil, TypeNone)
			}
			return
		}

		if c.cacheInMemory && c.memory != nil {
			c.memory.Put(key, img, img.Cost())
		}
		if op.cancelled.Load() {
			return
		}
		if completion != nil {
			completion(img, data, TypeDisk)
		}
	}()
	return op
}

// StoreImage 把图片写入目标层。target 为 TypeNone 时是 no-op。
// completion 在全部目标层写完后调用，携带磁盘写入错误（如有）。
func (c *Cache) StoreImage(img *imaging.Image, data []byte, key string, target Type, completion func(error)) {
	done := func(err error) {
		if completion != nil {
			completion(err)
		}
	}

	if key == "" {
		done(ErrInvalidKey)
		return
	}
	if target == TypeNone || img == nil {
		done(nil)
		return
	}

	if (target == TypeMemory || target == TypeAll) && c.cacheInMemory && c.memory != nil {
		c.memory.Put(key, img, img.Cost())
	}

	if (target == TypeDisk || target == TypeAll) && c.disk != nil {
		payload := data
		if payload == nil {
			payload = img.Data
		}
		go func() {
			err := c.disk.Put(key, payload)
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_put",
					"key":    key,
				}).Warn("disk store failed")
			}
			done(err)
		}()
		return
	}

	done(nil)
}

// RemoveImage 从目标层删除键。
func (c *Cache) RemoveImage(key string, target Type, completion func()) {
	done := func() {
		if completion != nil {
			completion()
		}
	}

	if key == "" || target == TypeNone {
		done()
		return
	}

	if (target == TypeMemory || target == TypeAll) && c.memory != nil {
		c.memory.Remove(key)
	}
	if (target == TypeDisk || target == TypeAll) && c.disk != nil {
		go func() {
			if err := c.disk.Remove(key); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_remove",
					"key":    key,
				}).Warn("disk remove failed")
			}
			done()
		}()
		return
	}
	done()
}

// Clear 清空目标层。
func (c *Cache) Clear(target Type, completion func()) {
	done := func() {
		if completion != nil {
			completion()
		}
	}

	if target == TypeNone {
		done()
		return
	}

	if (target == TypeMemory || target == TypeAll) && c.memory != nil {
		c.memory.Clear()
	}
	if (target == TypeDisk || target == TypeAll) && c.disk != nil {
		go func() {
			if err := c.disk.Clear(); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_clear",
				}).Warn("disk clear failed")
			}
			done()
		}()
		return
	}
	done()
}

// MemoryContains 同步探测内存层。
func (c *Cache) MemoryContains(key string) bool {
	if c.memory == nil || key == "" {
		return false
	}
	return c.memory.Contains(key)
}

// DiskContains 探测磁盘层（经串行 I/O 协程，调用会阻塞至排队完成）。
func (c *Cache) DiskContains(key string) bool {
	if c.disk == nil || key == "" {
		return false
	}
	return c.disk.Contains(key)
}

// DiskContainsAsync 异步探测磁盘层。
func (c *Cache) DiskContainsAsync(key string, completion func(bool)) {
	if completion == nil {
		return
	}
	go completion(c.DiskContains(key))
}
