package config

import (
	"testing"
	"time"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
SearchAPI = "https://search.example.com"

[Proxy]
ReadTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("显式指定的配置文件不存在时应失败")
	}
}

func TestLoadParsesFractionalSeconds(t *testing.T) {
	cfg := `
SearchAPI = "https://search.example.com"
MaxCacheSize = 2048

[Proxy]
ConnectTimeout = "0.5"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Proxy.ConnectTimeout.DurationValue() != 500*time.Millisecond {
		t.Fatalf("ConnectTimeout 应为 500ms，得到 %v", loaded.Proxy.ConnectTimeout.DurationValue())
	}
	if loaded.Global.MaxCacheSize.Bytes() != 2048 {
		t.Fatalf("整数 MaxCacheSize 应按字节解析，得到 %d", loaded.Global.MaxCacheSize)
	}
}
