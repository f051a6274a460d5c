package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
)

// outputTemplate 只使用视频 ID，避免标题中的特殊字符进入文件名。
const outputTemplate = "%(id)s.%(ext)s"

// stderrLimit 限制错误信息中保留的 stderr 尾部长度。
const stderrLimit = 4 << 10

// YTDLP 通过子进程调用 yt-dlp。
type YTDLP struct {
	Binary string
	Logger *logrus.Logger
}

// NewYTDLP 构建 yt-dlp 适配器，binary 为空时使用 PATH 中的 yt-dlp。
func NewYTDLP(binary string, logger *logrus.Logger) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{Binary: binary, Logger: logging.OrDiscard(logger)}
}

// Extract 下载到 req.OutputDir 并返回工具报告的最终文件路径。
func (y *YTDLP) Extract(ctx context.Context, req Request) (Result, error) {
	if req.URL == "" {
		return Result{}, errors.New("extract: url is required")
	}
	if req.OutputDir == "" {
		return Result{}, errors.New("extract: output dir is required")
	}

	args := buildYTDLPArgs(req)
	cmd := exec.CommandContext(ctx, y.Binary, args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	y.Logger.WithFields(logrus.Fields{
		"action": "extract",
		"url":    req.URL,
		"format": req.Format,
		"proxy":  req.Proxy,
	}).Debug("extract_start")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("yt-dlp cancelled: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if path := lastLine(stdout.Bytes()); path != "" {
		if _, err := os.Stat(path); err == nil {
			return resultFor(path), nil
		}
	}
	path, err := findOutput(req.OutputDir)
	if err != nil {
		return Result{}, err
	}
	return resultFor(path), nil
}

func buildYTDLPArgs(req Request) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-mtime",
		"--quiet",
		"--print", "after_move:filepath",
	}
	if req.Format != "" {
		args = append(args, "-f", req.Format)
	}
	args = append(args, "-o", filepath.Join(req.OutputDir, outputTemplate))
	if req.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(req.SocketTimeout.Seconds())))
	}
	if req.Proxy != "" {
		args = append(args, "--proxy", req.Proxy)
	}
	if req.CookieFile != "" {
		args = append(args, "--cookies", req.CookieFile)
	}
	return append(args, "--", req.URL)
}

func lastLine(out []byte) string {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

// tailBuffer 只保留最近写入的 limit 字节。
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
