package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./cache"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当填默认值，实际 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.MaxCacheAge.DurationValue() != 7*24*time.Hour {
		t.Fatalf("MaxCacheAge 默认一周，实际 %v", cfg.Global.MaxCacheAge.DurationValue())
	}
	if cfg.Global.MaxConcurrentDownloads != 2 {
		t.Fatalf("MaxConcurrentDownloads 默认 2，实际 %d", cfg.Global.MaxConcurrentDownloads)
	}
	if cfg.Global.DownloadTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("DownloadTimeout 默认 15s，实际 %v", cfg.Global.DownloadTimeout.DurationValue())
	}
	if !cfg.Global.ShouldCacheInMemory {
		t.Fatalf("ShouldCacheInMemory 默认 true")
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应当被解析为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.S3.Enabled() {
		t.Fatalf("未配置 S3 时不应启用")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./cache"
MaxCacheAge = "48h"
AutoTrimInterval = 10
DownloadTimeout = "2.5s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.MaxCacheAge.DurationValue() != 48*time.Hour {
		t.Fatalf("duration 字符串应当被解析，实际 %v", cfg.Global.MaxCacheAge.DurationValue())
	}
	// 纯数字按秒解释。
	if cfg.Global.AutoTrimInterval.DurationValue() != 10*time.Second {
		t.Fatalf("整数秒解析错误: %v", cfg.Global.AutoTrimInterval.DurationValue())
	}
	if cfg.Global.DownloadTimeout.DurationValue() != 2500*time.Millisecond {
		t.Fatalf("小数秒解析错误: %v", cfg.Global.DownloadTimeout.DurationValue())
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./cache"
ListenPort = 70000
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("非法端口应当报错")
	}
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	path := writeTempConfig(t, `
StoragePath = "./cache"

[S3]
Endpoint = "minio.local:9000"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("启用 S3 但缺少 Bucket 应当报错")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("缺失的配置文件应当报错")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("duration 字符串解析失败: %v / %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("45")); err != nil || d.DurationValue() != 45*time.Second {
		t.Fatalf("整数秒解析失败: %v / %v", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("")); err != nil || d.DurationValue() != 0 {
		t.Fatalf("空值应当得到 0: %v", err)
	}
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatalf("非法 duration 应当报错")
	}
}

func TestNotifierPublishesToSubscribers(t *testing.T) {
	notifier := &Notifier{}

	var got []Change
	notifier.Subscribe(SubscriberFunc(func(change Change) {
		got = append(got, change)
	}))

	notifier.Publish(Change{Field: FieldMaxMemoryCost, Value: uint64(1024)})
	notifier.Publish(Change{Field: FieldMaxMemoryCount, Value: 10})

	if len(got) != 2 {
		t.Fatalf("期望收到 2 次变更，实际 %d", len(got))
	}
	if got[0].Field != FieldMaxMemoryCost || got[0].Value.(uint64) != 1024 {
		t.Fatalf("变更内容不符: %+v", got[0])
	}
}
