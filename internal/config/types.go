package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath    string `mapstructure:"StoragePath"`
	CacheNamespace string `mapstructure:"CacheNamespace"`

	// 磁盘层清理阈值：保留期与容量上限（0 = 不限容量）。
	MaxCacheAge  Duration `mapstructure:"MaxCacheAge"`
	MaxCacheSize int64    `mapstructure:"MaxCacheSize"`

	// 内存层上限（0 = 不限），支持运行中热更新。
	MaxMemoryCost  uint64 `mapstructure:"MaxMemoryCost"`
	MaxMemoryCount int    `mapstructure:"MaxMemoryCount"`

	AutoTrimInterval Duration `mapstructure:"AutoTrimInterval"`
	CleanupInterval  Duration `mapstructure:"CleanupInterval"`

	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
	DownloadTimeout        Duration `mapstructure:"DownloadTimeout"`

	ShouldDecompressImages bool `mapstructure:"ShouldDecompressImages"`
	ShouldDisableBackup    bool `mapstructure:"ShouldDisableBackup"`
	ShouldCacheInMemory    bool `mapstructure:"ShouldCacheInMemory"`

	// 代理入口的限流参数。
	RequestsPerSecond float64 `mapstructure:"RequestsPerSecond"`
	RequestBurst      int     `mapstructure:"RequestBurst"`
}

// S3Config 非空 Endpoint 时启用 S3 磁盘层替换本地文件系统。
type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	Bucket          string `mapstructure:"Bucket"`
	UseSSL          bool   `mapstructure:"UseSSL"`
}

// Enabled 判断是否配置了 S3 磁盘层。
func (s S3Config) Enabled() bool {
	return s.Endpoint != ""
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	S3     S3Config     `mapstructure:"S3"`
}
