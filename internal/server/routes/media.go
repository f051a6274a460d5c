package routes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/cache"
	"github.com/any-hub/mediahub/internal/logging"
	"github.com/any-hub/mediahub/internal/media"
	"github.com/any-hub/mediahub/internal/resolver"
	"github.com/any-hub/mediahub/internal/server"
)

// Resolver 由 resolver.Resolver 实现。
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
	Search(ctx context.Context, query string) (*resolver.Result, error)
}

// Fetcher 由 media.Fetcher 实现。
type Fetcher interface {
	Fetch(ctx context.Context, identifier string, intent media.Intent) (*cache.Entry, error)
}

// MediaDeps 汇总媒体路由的依赖，便于测试替换。
type MediaDeps struct {
	Resolver Resolver
	Fetcher  Fetcher
	Logger   *logrus.Logger
}

// contentTypes 按扩展名决定响应的 Content-Type。
var contentTypes = map[string]string{
	"m4a":  "audio/mp4",
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"mp4":  "video/mp4",
	"mkv":  "video/x-matroska",
}

// RegisterMediaRoutes 注册 /search、/download（音频）与 /vdown（视频）。
func RegisterMediaRoutes(app *fiber.App, deps MediaDeps) {
	if app == nil || deps.Resolver == nil || deps.Fetcher == nil {
		return
	}
	h := &mediaHandler{resolver: deps.Resolver, fetcher: deps.Fetcher, logger: logging.OrDiscard(deps.Logger)}

	app.Get("/search", h.search)
	app.Get("/download", func(c fiber.Ctx) error { return h.download(c, media.IntentAudio) })
	app.Get("/vdown", func(c fiber.Ctx) error { return h.download(c, media.IntentVideo) })
}

type mediaHandler struct {
	resolver Resolver
	fetcher  Fetcher
	logger   *logrus.Logger
}

func (h *mediaHandler) search(c fiber.Ctx) error {
	title := strings.TrimSpace(c.Query("title"))
	if title == "" {
		return renderError(c, fiber.StatusBadRequest, "missing_title")
	}
	result, err := h.resolver.Search(requestContext(c), title)
	if err != nil {
		return h.renderFailure(c, "search", err)
	}
	return c.JSON(result)
}

func (h *mediaHandler) download(c fiber.Ctx, intent media.Intent) error {
	started := time.Now()
	identifier := strings.TrimSpace(c.Query("url"))
	if identifier == "" {
		identifier = strings.TrimSpace(c.Query("title"))
	}
	if identifier == "" {
		return renderError(c, fiber.StatusBadRequest, "missing_url_or_title")
	}

	ctx := requestContext(c)
	link, err := h.resolver.Resolve(ctx, identifier)
	if err != nil {
		return h.renderFailure(c, "resolve", err)
	}

	entry, err := h.fetcher.Fetch(ctx, link, intent)
	if err != nil {
		return h.renderFailure(c, "fetch", err)
	}

	file, err := os.Open(entry.FilePath)
	if err != nil {
		// 条目在返回与打开之间被淘汰。
		if errors.Is(err, os.ErrNotExist) {
			return h.renderFailure(c, "open", media.ErrNotFound)
		}
		return h.renderFailure(c, "open", err)
	}

	name := filepath.Base(entry.FilePath)
	c.Attachment(name)
	c.Set(fiber.HeaderContentType, contentTypeFor(entry.Extension, intent))

	h.logger.WithFields(logging.FetchFields("download", entry.Key.Digest, string(entry.Key.Namespace), server.RequestID(c))).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Infof("serving %s", logging.Bytes(entry.SizeBytes))

	// fasthttp 在写完响应后关闭 file。
	return c.SendStream(file, int(entry.SizeBytes))
}

func (h *mediaHandler) renderFailure(c fiber.Ctx, action string, err error) error {
	status, code := statusFor(err)
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
		"status":     status,
	})
	if status >= fiber.StatusInternalServerError {
		entry.Error("request_failed")
	} else {
		entry.Warn("request_rejected")
	}
	return renderError(c, status, code)
}

// statusFor 把领域错误映射到 HTTP 状态码与错误码。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, media.ErrBadRequest):
		return fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, media.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, resolver.ErrResolutionFailure):
		return fiber.StatusNotFound, "resolution_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "timeout"
	case errors.Is(err, media.ErrUpstreamFailure):
		return fiber.StatusInternalServerError, "upstream_failure"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func contentTypeFor(ext string, intent media.Intent) string {
	ext = strings.ToLower(ext)
	if ext == "webm" {
		if intent == media.IntentVideo {
			return "video/webm"
		}
		return "audio/webm"
	}
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return fiber.MIMEOctetStream
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return media.WithRequestID(ctx, server.RequestID(c))
}
