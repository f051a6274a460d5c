package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix 是所有环境变量覆盖项的统一前缀。
const EnvPrefix = "MEDIAHUB_"

// envOverrides 列出允许通过环境变量覆盖的字段，未设置的变量保持文件/默认值。
type envOverrides struct {
	ListenPort   int    `env:"PORT"`
	LogLevel     string `env:"LOG_LEVEL"`
	CacheDir     string `env:"CACHE_DIR"`
	MaxCacheSize string `env:"MAX_CACHE_SIZE"`
	CookieFile   string `env:"COOKIE_FILE"`
	SearchAPI    string `env:"SEARCH_API"`
	ProxyListURL string `env:"PROXY_LIST_URL"`
	Direct       *bool  `env:"ALLOW_DIRECT_FALLBACK"`
}

func applyEnvOverrides(cfg *Config) error {
	o, err := env.ParseAsWithOptions[envOverrides](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	if o.ListenPort != 0 {
		cfg.Global.ListenPort = o.ListenPort
	}
	if o.LogLevel != "" {
		cfg.Global.LogLevel = o.LogLevel
	}
	if o.CacheDir != "" {
		cfg.Global.CacheDir = o.CacheDir
	}
	if o.MaxCacheSize != "" {
		size, err := parseByteSize(o.MaxCacheSize)
		if err != nil {
			return newFieldError(EnvPrefix+"MAX_CACHE_SIZE", err.Error())
		}
		cfg.Global.MaxCacheSize = size
	}
	if o.CookieFile != "" {
		cfg.Extractor.CookieFile = o.CookieFile
	}
	if o.SearchAPI != "" {
		cfg.Global.SearchAPI = o.SearchAPI
	}
	if o.ProxyListURL != "" {
		cfg.Proxy.ListURL = o.ProxyListURL
	}
	if o.Direct != nil {
		cfg.Proxy.AllowDirectFallback = *o.Direct
	}
	return nil
}
