package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/mediahub/internal/cache"
	"github.com/any-hub/mediahub/internal/extractor"
	"github.com/any-hub/mediahub/internal/logging"
	"github.com/any-hub/mediahub/internal/proxypool"
)

var (
	// ErrBadRequest 表示缺少标识符或获取意图非法。
	ErrBadRequest = errors.New("bad request")
	// ErrUpstreamFailure 表示下载工具或转码失败。
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrNotFound 表示工具名义上成功但没有产出文件。
	ErrNotFound = errors.New("media not found")
)

// ProxyPicker 由 proxypool.Pool 实现，为下载工具挑选一个验证过的代理。
type ProxyPicker interface {
	Enabled() bool
	PickValidated(ctx context.Context, maxAttempts int) (proxypool.Endpoint, bool)
	ProxyURL(endpoint proxypool.Endpoint) string
}

// Options 配置 Fetcher 的协作者与下载参数。
type Options struct {
	Store      cache.Store
	Extractor  extractor.Extractor
	Transcoder extractor.Transcoder
	Proxies    ProxyPicker
	Logger     *logrus.Logger

	UseProxy          bool
	ValidateAttempts  int
	CookieFile        string
	SocketTimeout     time.Duration
	// ExtractTimeout 是一次共享下载（含等待槽位与转码）的总时限，默认 10 分钟。
	ExtractTimeout    time.Duration
	MaxVideoHeight    int
	ConvertAudioToMP3 bool
	AudioBitrate      string
	// MaxConcurrent 限制同时运行的下载数量。
	MaxConcurrent int64
}

// Fetcher 编排缓存查找、下载委托与缓存提交；同一 Key 的并发未命中共享一次下载。
type Fetcher struct {
	store      cache.Store
	extractor  extractor.Extractor
	transcoder extractor.Transcoder
	proxies    ProxyPicker
	logger     *logrus.Logger

	useProxy         bool
	validateAttempts int
	cookieFile       string
	socketTimeout    time.Duration
	extractTimeout   time.Duration
	maxVideoHeight   int
	convertToMP3     bool
	audioBitrate     string

	group singleflight.Group
	slots *semaphore.Weighted
}

// NewFetcher 校验必需依赖并构建 Fetcher。
func NewFetcher(opts Options) (*Fetcher, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if opts.ConvertAudioToMP3 && opts.Transcoder == nil {
		return nil, errors.New("transcoder is required when mp3 conversion is enabled")
	}

	f := &Fetcher{
		store:            opts.Store,
		extractor:        opts.Extractor,
		transcoder:       opts.Transcoder,
		proxies:          opts.Proxies,
		logger:           logging.OrDiscard(opts.Logger),
		useProxy:         opts.UseProxy,
		validateAttempts: opts.ValidateAttempts,
		cookieFile:       opts.CookieFile,
		socketTimeout:    opts.SocketTimeout,
		extractTimeout:   opts.ExtractTimeout,
		maxVideoHeight:   opts.MaxVideoHeight,
		convertToMP3:     opts.ConvertAudioToMP3,
		audioBitrate:     opts.AudioBitrate,
	}
	if f.validateAttempts <= 0 {
		f.validateAttempts = 5
	}
	if f.extractTimeout <= 0 {
		f.extractTimeout = 10 * time.Minute
	}
	if f.maxVideoHeight <= 0 {
		f.maxVideoHeight = 480
	}
	concurrent := opts.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 4
	}
	f.slots = semaphore.NewWeighted(concurrent)
	return f, nil
}

// Fetch 返回 identifier 在 intent 下的缓存文件；命中时不产生任何网络活动。
// 客户端断开后下载仍会在后台完成并写入缓存。
func (f *Fetcher) Fetch(ctx context.Context, identifier string, intent Intent) (*cache.Entry, error) {
	id := cache.NormalizeIdentifier(identifier)
	if id == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrBadRequest)
	}
	ns, err := intent.Namespace()
	if err != nil {
		return nil, err
	}
	key := cache.KeyFor(id, ns)

	entry, err := f.store.Lookup(ctx, key)
	if err == nil {
		f.logger.WithFields(logging.FetchFields("fetch", key.Digest, string(ns), RequestIDFrom(ctx))).Debug("cache_hit")
		return entry, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	ch := f.group.DoChan(key.String(), func() (interface{}, error) {
		// 调用方断开不影响下载，但整个下载受 extractTimeout 约束，超时后释放槽位与 Key。
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.extractTimeout)
		defer cancel()
		return f.download(detached, id, key, intent)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	}
}

func (f *Fetcher) download(ctx context.Context, id string, key cache.Key, intent Intent) (*cache.Entry, error) {
	fields := logging.FetchFields("fetch", key.Digest, string(key.Namespace), RequestIDFrom(ctx))

	// 等待期间其他调用可能已完成同一 Key 的提交。
	if entry, err := f.store.Lookup(ctx, key); err == nil {
		return entry, nil
	}

	if err := f.slots.Acquire(ctx, 1); err != nil {
		f.logger.WithError(err).WithFields(fields).Warn("fetch_slot_timeout")
		return nil, fmt.Errorf("wait for download slot: %w", err)
	}
	defer f.slots.Release(1)

	scratch, err := os.MkdirTemp(f.store.ScratchDir(), "fetch-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	req := extractor.Request{
		URL:           id,
		Format:        f.formatFor(intent),
		OutputDir:     scratch,
		Proxy:         f.pickProxy(ctx, fields),
		CookieFile:    f.cookieFile,
		SocketTimeout: f.socketTimeout,
	}

	started := time.Now()
	result, err := f.extractor.Extract(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			f.logger.WithError(err).WithFields(fields).Warn("extract_timeout")
			return nil, fmt.Errorf("extract: %w", ctxErr)
		}
		if errors.Is(err, extractor.ErrNoOutput) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		f.logger.WithError(err).WithFields(fields).Warn("extract_failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	if result.FilePath == "" {
		return nil, fmt.Errorf("%w: extractor reported no file", ErrNotFound)
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	path, ext := result.FilePath, result.Ext
	if ext == "" {
		ext = intent.DefaultExtension()
	}

	if intent == IntentAudio && f.convertToMP3 && ext != "mp3" {
		dst := filepath.Join(scratch, "transcoded.mp3")
		if err := f.transcoder.ToMP3(ctx, path, dst, f.audioBitrate); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				f.logger.WithError(err).WithFields(fields).Warn("transcode_timeout")
				return nil, fmt.Errorf("transcode: %w", ctxErr)
			}
			f.logger.WithError(err).WithFields(fields).Warn("transcode_failed")
			return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
		}
		path, ext = dst, "mp3"
	}

	entry, err := f.store.Commit(ctx, path, key, ext)
	if err != nil {
		return nil, fmt.Errorf("cache commit: %w", err)
	}

	fields["bytes"] = entry.SizeBytes
	fields["duration_ms"] = time.Since(started).Milliseconds()
	f.logger.WithFields(fields).Infof("fetch_committed %s", logging.Bytes(entry.SizeBytes))
	return entry, nil
}

// pickProxy 在允许时返回代理 URL；没有可用代理时直接连接。
func (f *Fetcher) pickProxy(ctx context.Context, fields logrus.Fields) string {
	if !f.useProxy || f.proxies == nil || !f.proxies.Enabled() {
		return ""
	}
	endpoint, ok := f.proxies.PickValidated(ctx, f.validateAttempts)
	if !ok {
		f.logger.WithFields(fields).Warn("extract_proxy_unavailable")
		return ""
	}
	return f.proxies.ProxyURL(endpoint)
}

func (f *Fetcher) formatFor(intent Intent) string {
	if intent == IntentVideo {
		return fmt.Sprintf("bestvideo[height<=%d]+worstaudio/best[height<=%d]/worst", f.maxVideoHeight, f.maxVideoHeight)
	}
	return "worstaudio[ext=m4a]/worstaudio/bestaudio"
}
