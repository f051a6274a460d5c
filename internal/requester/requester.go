package requester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
	"github.com/any-hub/mediahub/internal/proxypool"
)

var (
	// ErrProxyExhausted 表示所有代理轮次都失败且不允许直连兜底。
	ErrProxyExhausted = errors.New("proxy attempts exhausted")
	// ErrRequestFailed 表示直连请求（或无代理模式下的请求）失败。
	ErrRequestFailed = errors.New("upstream request failed")
)

// RetryPolicy 统一描述出站请求的重试预算与兜底策略。
type RetryPolicy struct {
	MaxAttempts         int
	Backoff             time.Duration
	AllowDirectFallback bool
}

// ProxySource 由 proxypool.Pool 实现，测试中可替换为假的代理来源。
type ProxySource interface {
	Enabled() bool
	PickValidated(ctx context.Context, maxAttempts int) (proxypool.Endpoint, bool)
	Transport(endpoint proxypool.Endpoint) (*http.Transport, error)
}

// Options 配置 Requester 的依赖与超时。
type Options struct {
	Proxies ProxySource
	// Direct 用于直连请求；为空时使用带 ReadTimeout 的默认客户端。
	Direct *http.Client
	Policy RetryPolicy
	// ValidateAttempts 是每一轮 PickValidated 的探活次数上限。
	ValidateAttempts int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	Logger           *logrus.Logger
	// Sleep 在两轮之间等待 Backoff，测试可注入以避免真实等待。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Requester 是所有访问第三方基础设施的出站 GET 的唯一入口。
type Requester struct {
	proxies          ProxySource
	direct           *http.Client
	policy           RetryPolicy
	validateAttempts int
	connectTimeout   time.Duration
	readTimeout      time.Duration
	logger           *logrus.Logger
	sleep            func(ctx context.Context, d time.Duration) error
}

// New 构建 Requester，对缺省值做兜底。
func New(opts Options) *Requester {
	r := &Requester{
		proxies:          opts.Proxies,
		direct:           opts.Direct,
		policy:           opts.Policy,
		validateAttempts: opts.ValidateAttempts,
		connectTimeout:   opts.ConnectTimeout,
		readTimeout:      opts.ReadTimeout,
		logger:           logging.OrDiscard(opts.Logger),
		sleep:            opts.Sleep,
	}
	if r.connectTimeout <= 0 {
		r.connectTimeout = 5 * time.Second
	}
	if r.readTimeout <= 0 {
		r.readTimeout = 30 * time.Second
	}
	if r.validateAttempts <= 0 {
		r.validateAttempts = 5
	}
	if r.direct == nil {
		r.direct = &http.Client{Timeout: r.connectTimeout + r.readTimeout}
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Policy 返回默认重试策略。
func (r *Requester) Policy() RetryPolicy {
	return r.policy
}

// Get 使用默认策略发起 GET；调用方负责关闭返回的 Body。
func (r *Requester) Get(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	return r.GetWith(ctx, rawURL, params, r.policy)
}

// GetWith 使用指定策略发起 GET：最多 MaxAttempts 轮代理请求，每轮重新取得一个
// 验证过的代理；全部失败后按策略直连兜底或返回 ErrProxyExhausted。
func (r *Requester) GetWith(ctx context.Context, rawURL string, params url.Values, policy RetryPolicy) (*http.Response, error) {
	target, err := buildURL(rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	if r.proxies == nil || !r.proxies.Enabled() {
		return r.doDirect(ctx, target)
	}
	if policy.MaxAttempts <= 0 {
		if !policy.AllowDirectFallback {
			return nil, fmt.Errorf("%w: no proxy attempts allowed", ErrProxyExhausted)
		}
		return r.doDirect(ctx, target)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 && policy.Backoff > 0 {
			if err := r.sleep(ctx, policy.Backoff); err != nil {
				return nil, err
			}
		}

		endpoint, ok := r.proxies.PickValidated(ctx, r.validateAttempts)
		if !ok {
			lastErr = errors.New("no validated proxy")
			r.logger.WithFields(logging.ProxyFields("proxy_request", "", attempt)).Debug("proxy_unavailable")
			continue
		}

		resp, err := r.doProxied(ctx, target, endpoint)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		r.logger.WithError(err).WithFields(logging.ProxyFields("proxy_request", endpoint.String(), attempt)).
			Warn("proxy_request_failed")
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if policy.AllowDirectFallback {
		r.logger.WithFields(logrus.Fields{"action": "proxy_request", "attempts": policy.MaxAttempts}).
			Info("proxy_direct_fallback")
		return r.doDirect(ctx, target)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProxyExhausted, policy.MaxAttempts, lastErr)
}

func (r *Requester) doProxied(ctx context.Context, target string, endpoint proxypool.Endpoint) (*http.Response, error) {
	transport, err := r.proxies.Transport(endpoint)
	if err != nil {
		return nil, err
	}
	transport.ResponseHeaderTimeout = r.readTimeout

	client := &http.Client{Transport: transport, Timeout: r.connectTimeout + r.readTimeout}
	resp, err := r.do(ctx, client, target)
	if err != nil {
		return nil, err
	}
	if isProxyFailureStatus(resp.StatusCode) {
		resp.Body.Close()
		return nil, fmt.Errorf("proxy responded %d", resp.StatusCode)
	}
	return resp, nil
}

func (r *Requester) doDirect(ctx context.Context, target string) (*http.Response, error) {
	resp, err := r.do(ctx, r.direct, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	return resp, nil
}

func (r *Requester) do(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// isProxyFailureStatus 判断响应码是否来自代理本身（认证/网关类错误）。
func isProxyFailureStatus(status int) bool {
	switch status {
	case http.StatusProxyAuthRequired, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func buildURL(rawURL string, params url.Values) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid url: %s", rawURL)
	}
	if len(params) > 0 {
		query := parsed.Query()
		for key, values := range params {
			for _, v := range values {
				query.Add(key, v)
			}
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
