package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); g.LogLevel != "" && err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	switch g.EvictionPolicy {
	case EvictionLRU, EvictionPurge:
	default:
		return newFieldError("Global.EvictionPolicy", "仅支持 lru/purge")
	}
	if err := validateHTTPURL(g.SearchAPI); err != nil {
		return fmt.Errorf("Global.SearchAPI: %w", err)
	}
	if g.ResolveCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.ResolveCacheTTL", "不能为负数")
	}
	if g.MaxConcurrentFetches <= 0 {
		return newFieldError("Global.MaxConcurrentFetches", "必须大于 0")
	}
	if g.RequestsPerSecond < 0 {
		return newFieldError("Global.RequestsPerSecond", "不能为负数")
	}
	if g.RequestsPerSecond > 0 && g.Burst <= 0 {
		return newFieldError("Global.Burst", "启用限流时必须大于 0")
	}

	if err := c.Proxy.validate(); err != nil {
		return err
	}
	return c.Extractor.validate()
}

func (p ProxyConfig) validate() error {
	if p.Enabled() {
		if err := validateHTTPURL(p.ListURL); err != nil {
			return fmt.Errorf("Proxy.ListURL: %w", err)
		}
	}
	switch p.Scheme {
	case ProxySchemeHTTP, ProxySchemeSOCKS5:
	default:
		return newFieldError("Proxy.Scheme", "仅支持 http/socks5")
	}
	if err := validateHTTPURL(p.ProbeURL); err != nil {
		return fmt.Errorf("Proxy.ProbeURL: %w", err)
	}
	if p.ProbeTimeout.DurationValue() <= 0 {
		return newFieldError("Proxy.ProbeTimeout", "必须大于 0")
	}
	if p.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Proxy.ConnectTimeout", "必须大于 0")
	}
	if p.ReadTimeout.DurationValue() <= 0 {
		return newFieldError("Proxy.ReadTimeout", "必须大于 0")
	}
	if p.ValidateAttempts <= 0 {
		return newFieldError("Proxy.ValidateAttempts", "必须大于 0")
	}
	if p.RequestAttempts <= 0 {
		return newFieldError("Proxy.RequestAttempts", "必须大于 0")
	}
	if p.RetryBackoff.DurationValue() < 0 {
		return newFieldError("Proxy.RetryBackoff", "不能为负数")
	}
	return nil
}

func (e ExtractorConfig) validate() error {
	if strings.TrimSpace(e.Binary) == "" {
		return newFieldError("Extractor.Binary", "不能为空")
	}
	if e.SocketTimeout.DurationValue() <= 0 {
		return newFieldError("Extractor.SocketTimeout", "必须大于 0")
	}
	if e.Timeout.DurationValue() <= 0 {
		return newFieldError("Extractor.Timeout", "必须大于 0")
	}
	if e.Timeout.DurationValue() < e.SocketTimeout.DurationValue() {
		return newFieldError("Extractor.Timeout", "不能小于 SocketTimeout")
	}
	if e.MaxVideoHeight < 0 {
		return newFieldError("Extractor.MaxVideoHeight", "不能为负数")
	}
	if e.ConvertAudioToMP3 && strings.TrimSpace(e.FFmpegBinary) == "" {
		return newFieldError("Extractor.FFmpegBinary", "开启转码时不能为空")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
