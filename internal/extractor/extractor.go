package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoOutput 表示工具成功退出但没有产出任何文件。
var ErrNoOutput = errors.New("extractor produced no output file")

// Request 描述一次下载委托。
type Request struct {
	URL string
	// Format 是 yt-dlp 的格式选择表达式。
	Format string
	// OutputDir 是本次下载独占的临时目录。
	OutputDir     string
	Proxy         string
	CookieFile    string
	SocketTimeout time.Duration
}

// Result 是工具报告的最终文件。
type Result struct {
	FilePath string
	// Ext 不带点；工具未报告时为空。
	Ext string
}

// Extractor 抽象外部下载工具，可能很慢也可能失败。
type Extractor interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// Transcoder 抽象音频转码工具。
type Transcoder interface {
	ToMP3(ctx context.Context, src, dst, bitrate string) error
}

// ExtractorFunc 便于测试中以函数实现 Extractor。
type ExtractorFunc func(ctx context.Context, req Request) (Result, error)

// Extract makes ExtractorFunc satisfy Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func resultFor(path string) Result {
	return Result{
		FilePath: path,
		Ext:      strings.TrimPrefix(filepath.Ext(path), "."),
	}
}

// findOutput 在工具没有打印最终路径时扫描输出目录，选取最大的普通文件。
func findOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		best     string
		bestSize int64 = -1
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = filepath.Join(dir, entry.Name())
			bestSize = info.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w in %s", ErrNoOutput, dir)
	}
	return best, nil
}
