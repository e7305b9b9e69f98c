package cache

import (
	"crypto/md5"
	"encoding/hex"
)

// KeyForURL 将 URL 映射为文件系统安全的缓存键：UTF-8 URL 的 MD5
// 小写十六进制。这里只要求均匀分布，不要求抗碰撞；两个 URL 的键
// 相同即视为同一缓存对象。
func KeyForURL(url string) string {
	if url == "" {
		return ""
	}
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}
