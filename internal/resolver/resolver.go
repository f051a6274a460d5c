package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
)

// ErrResolutionFailure 表示搜索 API 没有返回可用的链接。
var ErrResolutionFailure = errors.New("resolution failure")

// maxResponseBytes 限制搜索 API 响应体大小。
const maxResponseBytes = 1 << 20

// defaultNativeHosts 是下载工具可直接处理的域名。
var defaultNativeHosts = []string{
	"youtube.com",
	"www.youtube.com",
	"m.youtube.com",
	"music.youtube.com",
	"youtu.be",
}

// Getter 由 requester.Requester 实现，所有搜索请求都经过代理重试链路。
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values) (*http.Response, error)
}

// Result 是搜索 API 的响应。
type Result struct {
	Link     string          `json:"link"`
	Title    string          `json:"title,omitempty"`
	Duration json.RawMessage `json:"duration,omitempty"`
}

// Options 配置 Resolver。
type Options struct {
	SearchAPI   string
	Getter      Getter
	CacheTTL    time.Duration
	NativeHosts []string
	Logger      *logrus.Logger
}

// Resolver 把非原生标识符（标题、第三方音乐链接）转换为可下载的 URL。
type Resolver struct {
	api    string
	getter Getter
	hosts  map[string]struct{}
	memo   *gocache.Cache
	logger *logrus.Logger
}

// New 构建 Resolver；CacheTTL <= 0 时不缓存搜索结果。
func New(opts Options) (*Resolver, error) {
	if opts.Getter == nil {
		return nil, errors.New("getter is required")
	}
	parsed, err := url.Parse(opts.SearchAPI)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid search api: %q", opts.SearchAPI)
	}

	hosts := opts.NativeHosts
	if len(hosts) == 0 {
		hosts = defaultNativeHosts
	}
	r := &Resolver{
		api:    opts.SearchAPI,
		getter: opts.Getter,
		hosts:  make(map[string]struct{}, len(hosts)),
		logger: logging.OrDiscard(opts.Logger),
	}
	for _, host := range hosts {
		r.hosts[strings.ToLower(host)] = struct{}{}
	}
	if opts.CacheTTL > 0 {
		r.memo = gocache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return r, nil
}

// IsNative 判断标识符是否属于下载工具可直接处理的域名。
func (r *Resolver) IsNative(identifier string) bool {
	parsed, err := url.Parse(strings.TrimSpace(identifier))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return false
	}
	_, ok := r.hosts[strings.ToLower(parsed.Hostname())]
	return ok
}

// Resolve 原生链接原样返回，其余标识符交给搜索 API 并返回其 link 字段。
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrResolutionFailure)
	}
	if r.IsNative(id) {
		return id, nil
	}
	result, err := r.Search(ctx, id)
	if err != nil {
		return "", err
	}
	return result.Link, nil
}

// Search 以 query 参数调用搜索 API，结果按查询文本缓存。
func (r *Resolver) Search(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrResolutionFailure)
	}
	if r.memo != nil {
		if cached, ok := r.memo.Get(query); ok {
			return cached.(*Result), nil
		}
	}

	resp, err := r.getter.Get(ctx, r.api, url.Values{"query": {query}})
	if err != nil {
		return nil, fmt.Errorf("search api: %w", err)
	}
	defer resp.Body.Close()

	fields := logrus.Fields{"action": "resolve", "query": query, "status": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.WithFields(fields).Warn("resolve_bad_status")
		return nil, fmt.Errorf("%w: search api status %d", ErrResolutionFailure, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("resolve_decode_failed")
		return nil, fmt.Errorf("%w: decode response: %v", ErrResolutionFailure, err)
	}
	result.Link = strings.TrimSpace(result.Link)
	if !isPlayableURL(result.Link) {
		r.logger.WithFields(fields).Warn("resolve_missing_link")
		return nil, fmt.Errorf("%w: response has no usable link", ErrResolutionFailure)
	}

	if r.memo != nil {
		r.memo.SetDefault(query, &result)
	}
	r.logger.WithFields(fields).Debug("resolve_ok")
	return &result, nil
}

func isPlayableURL(link string) bool {
	if link == "" {
		return false
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
