package extractor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
)

// FFmpeg 通过子进程把音频转成 mp3。
type FFmpeg struct {
	Binary string
	Logger *logrus.Logger
}

// NewFFmpeg 构建 ffmpeg 适配器，binary 为空时使用 PATH 中的 ffmpeg。
func NewFFmpeg(binary string, logger *logrus.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, Logger: logging.OrDiscard(logger)}
}

// ToMP3 丢弃视频轨，以 libmp3lame 按 bitrate 编码到 dst。
func (f *FFmpeg) ToMP3(ctx context.Context, src, dst, bitrate string) error {
	if src == "" || dst == "" {
		return errors.New("transcode: src and dst are required")
	}
	cmd := exec.CommandContext(ctx, f.Binary, buildFFmpegArgs(src, dst, bitrate)...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	f.Logger.WithFields(logrus.Fields{"action": "transcode", "bitrate": bitrate}).Debug("transcode_done")
	return nil
}

func buildFFmpegArgs(src, dst, bitrate string) []string {
	if bitrate == "" {
		bitrate = "56k"
	}
	return []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", bitrate,
		dst,
	}
}
