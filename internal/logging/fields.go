package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供图片请求日志的公共字段。
func RequestFields(url, cacheTier, requestID string, hit bool) logrus.Fields {
	return logrus.Fields{
		"url":        url,
		"cache_tier": cacheTier,
		"cache_hit":  hit,
		"request_id": requestID,
	}
}
