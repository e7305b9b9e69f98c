package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheNamespace", "img")
	v.SetDefault("MaxCacheAge", "168h")
	v.SetDefault("MaxCacheSize", 0)
	v.SetDefault("MaxMemoryCost", 0)
	v.SetDefault("MaxMemoryCount", 0)
	v.SetDefault("AutoTrimInterval", "5s")
	v.SetDefault("CleanupInterval", "30m")
	v.SetDefault("MaxConcurrentDownloads", 2)
	v.SetDefault("DownloadTimeout", "15s")
	v.SetDefault("ShouldDecompressImages", true)
	v.SetDefault("ShouldDisableBackup", true)
	v.SetDefault("ShouldCacheInMemory", true)
	v.SetDefault("RequestsPerSecond", 0)
	v.SetDefault("RequestBurst", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5100
	}
	if g.CacheNamespace == "" {
		g.CacheNamespace = "img"
	}
	if g.MaxCacheAge.DurationValue() == 0 {
		g.MaxCacheAge = Duration(7 * 24 * time.Hour)
	}
	if g.AutoTrimInterval.DurationValue() == 0 {
		g.AutoTrimInterval = Duration(5 * time.Second)
	}
	if g.CleanupInterval.DurationValue() == 0 {
		g.CleanupInterval = Duration(30 * time.Minute)
	}
	if g.MaxConcurrentDownloads == 0 {
		g.MaxConcurrentDownloads = 2
	}
	if g.DownloadTimeout.DurationValue() == 0 {
		g.DownloadTimeout = Duration(15 * time.Second)
	}
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" && !c.S3.Enabled() {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheAge.DurationValue() < 0 {
		return newFieldError("Global.MaxCacheAge", "不能为负数")
	}
	if g.MaxCacheSize < 0 {
		return newFieldError("Global.MaxCacheSize", "不能为负数")
	}
	if g.MaxConcurrentDownloads < 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "不能为负数")
	}
	if g.DownloadTimeout.DurationValue() < 0 {
		return newFieldError("Global.DownloadTimeout", "不能为负数")
	}
	if g.RequestsPerSecond < 0 {
		return newFieldError("Global.RequestsPerSecond", "不能为负数")
	}

	if c.S3.Enabled() && c.S3.Bucket == "" {
		return newFieldError("S3.Bucket", "启用 S3 时不能为空")
	}

	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		default:
			return data, nil
		}
	}
}
