package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// WatchFile 监听配置文件变更，把支持热更新的字段发布到 notifier。
// 解析失败的变更被忽略并记录日志，运行中的实例保持旧值。
func WatchFile(path string, notifier *Notifier, logger *logrus.Logger) {
	if path == "" || notifier == nil {
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return
	}

	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			if logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"action": "config_reload",
					"path":   path,
				}).Warn("配置热更新解析失败，保持旧值")
			}
			return
		}

		notifier.Publish(Change{Field: FieldMaxMemoryCost, Value: cfg.Global.MaxMemoryCost})
		notifier.Publish(Change{Field: FieldMaxMemoryCount, Value: cfg.Global.MaxMemoryCount})
		if cfg.Global.MaxConcurrentDownloads > 0 {
			notifier.Publish(Change{Field: FieldMaxConcurrentDownloads, Value: cfg.Global.MaxConcurrentDownloads})
		}

		if logger != nil {
			logger.WithFields(logrus.Fields{
				"action": "config_reload",
				"path":   path,
			}).Info("配置热更新已生效")
		}
	})
	v.WatchConfig()
}
