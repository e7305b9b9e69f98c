package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// S3Store 把磁盘层搬到 S3 兼容对象存储上，满足 DiskTier 契约：
// 读错误按未命中处理，Cleanup 按 LastModified 执行超龄/超量删除。
// 适用于多实例共享一份图片缓存的部署。
type S3Store struct {
	client    *minio.Client
	bucket    string
	namespace string
	maxAge    time.Duration
	maxSize   int64
	logger    *logrus.Logger
}

var _ DiskTier = (*S3Store)(nil)

// S3StoreOptions 描述对象存储连接与清理阈值。
type S3StoreOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Namespace       string
	MaxAge          time.Duration
	MaxSize         int64
	Logger          *logrus.Logger
}

// NewS3Store 构建 minio 客户端。桶必须已存在。
func NewS3Store(opts S3StoreOptions) (*S3Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket required")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize s3 client: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "img"
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &S3Store{
		client:    client,
		bucket:    opts.Bucket,
		namespace: namespace,
		maxAge:    maxAge,
		maxSize:   opts.MaxSize,
		logger:    logger,
	}, nil
}

func (s *S3Store) objectName(key string) string {
	return path.Join(s.namespace, key)
}

// Get 拉取对象内容，任何错误都按未命中返回 nil。
func (s *S3Store) Get(key string) []byte {
	if key == "" {
		return nil
	}
	obj, err := s.client.GetObject(context.Background(), s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "s3_get",
				"key":    key,
			}).Warn("s3 read failed, treating as miss")
		}
		return nil
	}
	return data
}

// Contains 用 StatObject 探测存在性。
func (s *S3Store) Contains(key string) bool {
	if key == "" {
		return false
	}
	_, err := s.client.StatObject(context.Background(), s.bucket, s.objectName(key), minio.StatObjectOptions{})
	return err == nil
}

// Put 写入对象。对象存储的写入天然原子。
func (s *S3Store) Put(key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.client.PutObject(context.Background(), s.bucket, s.objectName(key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Remove 删除对象，对象不存在时静默成功。
func (s *S3Store) Remove(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return s.client.RemoveObject(context.Background(), s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
}

// Clear 枚举并删除命名空间下的全部对象。
func (s *S3Store) Clear() error {
	ctx := context.Background()
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.namespace + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return object.Err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup 删除超龄对象；剩余总量超过 MaxSize 时继续按
// LastModified 从旧到新删除。
func (s *S3Store) Cleanup() error {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.maxAge)

	var (
		kept      []minio.ObjectInfo
		totalSize int64
	)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.namespace + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return object.Err
		}
		if object.LastModified.Before(cutoff) {
			if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, object)
		totalSize += object.Size
	}

	if s.maxSize > 0 && totalSize > s.maxSize {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].LastModified.Before(kept[j].LastModified)
		})
		for _, object := range kept {
			if totalSize <= s.maxSize {
				break
			}
			if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
				return err
			}
			totalSize -= object.Size
		}
	}
	return nil
}

// Stats 返回命名空间下的对象数与总字节数。
func (s *S3Store) Stats() (int, int64) {
	var (
		count int
		size  int64
	)
	for object := range s.client.ListObjects(context.Background(), s.bucket, minio.ListObjectsOptions{
		Prefix:    s.namespace + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			break
		}
		count++
		size += object.Size
	}
	return count, size
}

// Close 满足 DiskTier；minio 客户端无需显式关闭。
func (s *S3Store) Close() {}
