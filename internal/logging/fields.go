package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供缓存键/分区/请求 ID 字段，供媒体获取链路日志复用。
func FetchFields(action, key, namespace, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action":    action,
		"key":       key,
		"namespace": namespace,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// ProxyFields 描述一次代理选择/使用的上下文。
func ProxyFields(action, proxy string, attempt int) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"proxy":   proxy,
		"attempt": attempt,
	}
}

// Bytes 返回人类可读的容量字符串，例如 "4.0 MiB"。
func Bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
