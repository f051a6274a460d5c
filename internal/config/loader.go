package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取可选的 TOML 配置文件，叠加 MEDIAHUB_* 环境变量，注入默认值并完成校验。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	applyGlobalDefaults(&cfg.Global)
	applyProxyDefaults(&cfg.Proxy)
	applyExtractorDefaults(&cfg.Extractor)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

// DefaultCacheDir 返回系统临时目录下的固定子目录。
func DefaultCacheDir() string {
	return filepath.Join(os.TempDir(), "mediahub")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", DefaultCacheDir())
	v.SetDefault("MaxCacheSize", "512MB")
	v.SetDefault("EvictionPolicy", EvictionLRU)
	v.SetDefault("ResolveCacheTTL", "10m")
	v.SetDefault("MaxConcurrentFetches", 4)
	v.SetDefault("RequestsPerSecond", 20)
	v.SetDefault("Burst", 40)

	v.SetDefault("Proxy.Scheme", ProxySchemeHTTP)
	v.SetDefault("Proxy.ProbeURL", "https://www.google.com")
	v.SetDefault("Proxy.ProbeTimeout", "5s")
	v.SetDefault("Proxy.ValidateAttempts", 5)
	v.SetDefault("Proxy.ConnectTimeout", "5s")
	v.SetDefault("Proxy.ReadTimeout", "30s")
	v.SetDefault("Proxy.RequestAttempts", 3)
	v.SetDefault("Proxy.RetryBackoff", "1s")
	v.SetDefault("Proxy.AllowDirectFallback", true)

	v.SetDefault("Extractor.Binary", "yt-dlp")
	v.SetDefault("Extractor.SocketTimeout", "15s")
	v.SetDefault("Extractor.Timeout", "10m")
	v.SetDefault("Extractor.UseProxy", true)
	v.SetDefault("Extractor.MaxVideoHeight", 480)
	v.SetDefault("Extractor.FFmpegBinary", "ffmpeg")
	v.SetDefault("Extractor.AudioBitrate", "56k")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		g.CacheDir = DefaultCacheDir()
	}
	g.EvictionPolicy = strings.ToLower(strings.TrimSpace(g.EvictionPolicy))
	if g.EvictionPolicy == "" {
		g.EvictionPolicy = EvictionLRU
	}
	if g.ResolveCacheTTL.DurationValue() == 0 {
		g.ResolveCacheTTL = Duration(10 * time.Minute)
	}
	if g.MaxConcurrentFetches == 0 {
		g.MaxConcurrentFetches = 4
	}
}

func applyProxyDefaults(p *ProxyConfig) {
	p.Scheme = strings.ToLower(strings.TrimSpace(p.Scheme))
	if p.Scheme == "" {
		p.Scheme = ProxySchemeHTTP
	}
	if p.ProbeTimeout.DurationValue() == 0 {
		p.ProbeTimeout = Duration(5 * time.Second)
	}
	if p.ConnectTimeout.DurationValue() == 0 {
		p.ConnectTimeout = Duration(5 * time.Second)
	}
	if p.ReadTimeout.DurationValue() == 0 {
		p.ReadTimeout = Duration(30 * time.Second)
	}
	if p.ValidateAttempts == 0 {
		p.ValidateAttempts = 5
	}
	if p.RequestAttempts == 0 {
		p.RequestAttempts = 3
	}
}

func applyExtractorDefaults(e *ExtractorConfig) {
	if e.Binary == "" {
		e.Binary = "yt-dlp"
	}
	if e.FFmpegBinary == "" {
		e.FFmpegBinary = "ffmpeg"
	}
	if e.AudioBitrate == "" {
		e.AudioBitrate = "56k"
	}
	if e.SocketTimeout.DurationValue() == 0 {
		e.SocketTimeout = Duration(15 * time.Second)
	}
	if e.Timeout.DurationValue() == 0 {
		e.Timeout = Duration(10 * time.Minute)
	}
	if e.MaxVideoHeight == 0 {
		e.MaxVideoHeight = 480
	}
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
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %w", err)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
