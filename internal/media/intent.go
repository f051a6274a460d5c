package media

import (
	"context"
	"fmt"

	"github.com/any-hub/mediahub/internal/cache"
)

// Intent 区分纯音频与视频+音频两种获取方式，决定格式选择与缓存分区。
type Intent string

const (
	IntentAudio Intent = "audio"
	IntentVideo Intent = "video"
)

// Namespace 返回 Intent 对应的缓存分区。
func (i Intent) Namespace() (cache.Namespace, error) {
	switch i {
	case IntentAudio:
		return cache.NamespaceAudio, nil
	case IntentVideo:
		return cache.NamespaceVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown intent %q", ErrBadRequest, string(i))
	}
}

// DefaultExtension 在工具未报告扩展名时使用。
func (i Intent) DefaultExtension() string {
	if i == IntentVideo {
		return "mp4"
	}
	return "m4a"
}

type requestIDKey struct{}

// WithRequestID 把请求 ID 放进 context，供下载链路日志关联。
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom 读取 WithRequestID 写入的请求 ID。
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
