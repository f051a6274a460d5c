package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
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

// ByteSize 表示字节数，既接受整数也接受 "512MB"、"1.5GiB" 这类写法。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回 int64 形式的字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// EvictionPolicy 取值。
const (
	EvictionLRU   = "lru"
	EvictionPurge = "purge"
)

// ProxyScheme 取值。
const (
	ProxySchemeHTTP   = "http"
	ProxySchemeSOCKS5 = "socks5"
)

// GlobalConfig 描述服务监听、日志与缓存等全局行为。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	CacheDir             string   `mapstructure:"CacheDir"`
	MaxCacheSize         ByteSize `mapstructure:"MaxCacheSize"`
	EvictionPolicy       string   `mapstructure:"EvictionPolicy"`
	SearchAPI            string   `mapstructure:"SearchAPI"`
	ResolveCacheTTL      Duration `mapstructure:"ResolveCacheTTL"`
	MaxConcurrentFetches int      `mapstructure:"MaxConcurrentFetches"`
	RequestsPerSecond    float64  `mapstructure:"RequestsPerSecond"`
	Burst                int      `mapstructure:"Burst"`
}

// ProxyConfig 控制代理池的来源、探活以及出站请求的重试策略。
type ProxyConfig struct {
	ListURL             string   `mapstructure:"ListURL"`
	Scheme              string   `mapstructure:"Scheme"`
	ProbeURL            string   `mapstructure:"ProbeURL"`
	ProbeTimeout        Duration `mapstructure:"ProbeTimeout"`
	ValidateAttempts    int      `mapstructure:"ValidateAttempts"`
	ConnectTimeout      Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout         Duration `mapstructure:"ReadTimeout"`
	RequestAttempts     int      `mapstructure:"RequestAttempts"`
	RetryBackoff        Duration `mapstructure:"RetryBackoff"`
	AllowDirectFallback bool     `mapstructure:"AllowDirectFallback"`
}

// Enabled 表示是否配置了代理列表来源。
func (p ProxyConfig) Enabled() bool {
	return strings.TrimSpace(p.ListURL) != ""
}

// ExtractorConfig 描述 yt-dlp / ffmpeg 两个外部工具的调用参数。
type ExtractorConfig struct {
	Binary            string   `mapstructure:"Binary"`
	CookieFile        string   `mapstructure:"CookieFile"`
	SocketTimeout     Duration `mapstructure:"SocketTimeout"`
	// Timeout 限制单次下载（含转码）的总耗时。
	Timeout           Duration `mapstructure:"Timeout"`
	UseProxy          bool     `mapstructure:"UseProxy"`
	MaxVideoHeight    int      `mapstructure:"MaxVideoHeight"`
	ConvertAudioToMP3 bool     `mapstructure:"ConvertAudioToMP3"`
	FFmpegBinary      string   `mapstructure:"FFmpegBinary"`
	AudioBitrate      string   `mapstructure:"AudioBitrate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Proxy     ProxyConfig     `mapstructure:"Proxy"`
	Extractor ExtractorConfig `mapstructure:"Extractor"`
}

// Summary 输出 check-config / startup 日志使用的关键字段。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"listen_port":     c.Global.ListenPort,
		"cache_dir":       c.Global.CacheDir,
		"max_cache_size":  c.Global.MaxCacheSize.String(),
		"eviction_policy": c.Global.EvictionPolicy,
		"proxy_enabled":   c.Proxy.Enabled(),
		"proxy_scheme":    c.Proxy.Scheme,
		"direct_fallback": c.Proxy.AllowDirectFallback,
		"transcode_mp3":   c.Extractor.ConvertAudioToMP3,
		"extract_timeout": c.Extractor.Timeout.DurationValue().String(),
	}
}
