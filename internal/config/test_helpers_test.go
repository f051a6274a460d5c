package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// envKeys 列出 env.go 识别的全部变量，测试前统一清理，避免宿主环境干扰默认值断言。
var envKeys = []string{
	"PORT", "LOG_LEVEL", "CACHE_DIR", "MAX_CACHE_SIZE",
	"COOKIE_FILE", "SEARCH_API", "PROXY_LIST_URL", "ALLOW_DIRECT_FALLBACK",
}

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// isolateEnv 暂时移除所有 MEDIAHUB_* 变量，测试结束后由 t.Setenv 还原。
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		name := EnvPrefix + key
		t.Setenv(name, "")
		if err := os.Unsetenv(name); err != nil {
			t.Fatalf("清理环境变量 %s 失败: %v", name, err)
		}
	}
}

// writeTempConfig 把 TOML 片段写入临时目录，返回文件路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
