package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/logging"
)

// Endpoint 是代理地址 host:port，每次使用前重新验证，不跨调用复用。
type Endpoint string

func (e Endpoint) String() string { return string(e) }

// maxListBytes 限制代理列表响应体大小，防止异常来源占满内存。
const maxListBytes = 4 << 20

// Options 描述代理列表来源与探活参数。
type Options struct {
	ListURL        string
	Scheme         string
	ProbeURL       string
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	Client         *http.Client
	Logger         *logrus.Logger
	// Intn 返回 [0,n) 的随机数，测试可注入固定序列。
	Intn func(n int) int
}

// Pool 每次调用都从远端重新拉取候选列表并探活，不维护任何共享的代理状态。
type Pool struct {
	listURL        string
	scheme         string
	probeURL       string
	probeTimeout   time.Duration
	connectTimeout time.Duration
	client         *http.Client
	logger         *logrus.Logger
	intn           func(n int) int
}

// New 构建代理池；ListURL 为空时代理池处于禁用状态。
func New(opts Options) (*Pool, error) {
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	if scheme == "" {
		scheme = SchemeHTTP
	}
	if scheme != SchemeHTTP && scheme != SchemeSOCKS5 {
		return nil, fmt.Errorf("unsupported proxy scheme: %s", opts.Scheme)
	}
	if opts.ListURL != "" {
		if _, err := url.Parse(opts.ListURL); err != nil {
			return nil, fmt.Errorf("invalid proxy list url: %w", err)
		}
	}

	p := &Pool{
		listURL:        opts.ListURL,
		scheme:         scheme,
		probeURL:       opts.ProbeURL,
		probeTimeout:   opts.ProbeTimeout,
		connectTimeout: opts.ConnectTimeout,
		client:         opts.Client,
		logger:         logging.OrDiscard(opts.Logger),
		intn:           opts.Intn,
	}
	if p.probeURL == "" {
		p.probeURL = "https://www.google.com"
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = 5 * time.Second
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = 5 * time.Second
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 10 * time.Second}
	}
	if p.intn == nil {
		p.intn = rand.IntN
	}
	return p, nil
}

// Enabled 表示是否配置了代理列表来源。
func (p *Pool) Enabled() bool {
	return p != nil && p.listURL != ""
}

// Scheme 返回代理协议（http / socks5）。
func (p *Pool) Scheme() string {
	return p.scheme
}

// FetchCandidates 从列表来源拉取最新候选；任何网络或格式错误都只记录日志并返回空列表。
func (p *Pool) FetchCandidates(ctx context.Context) []Endpoint {
	if !p.Enabled() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.listURL, nil)
	if err != nil {
		p.logger.WithError(err).WithField("action", "proxy_list").Warn("proxy_list_request_invalid")
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).WithField("action", "proxy_list").Warn("proxy_list_fetch_failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.WithFields(logrus.Fields{"action": "proxy_list", "status": resp.StatusCode}).
			Warn("proxy_list_bad_status")
		return nil
	}

	candidates := ParseList(io.LimitReader(resp.Body, maxListBytes))
	p.logger.WithFields(logrus.Fields{"action": "proxy_list", "candidates": len(candidates)}).
		Debug("proxy_list_fetched")
	return candidates
}

// PickValidated 从新拉取的列表中随机抽取候选并探活，返回第一个可用的代理；
// maxAttempts 次探活都失败时返回 false。
func (p *Pool) PickValidated(ctx context.Context, maxAttempts int) (Endpoint, bool) {
	if !p.Enabled() || maxAttempts <= 0 {
		return "", false
	}

	var candidates []Endpoint
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", false
		}
		if len(candidates) == 0 {
			candidates = p.FetchCandidates(ctx)
		}
		if len(candidates) == 0 {
			continue
		}

		idx := p.intn(len(candidates))
		candidate := candidates[idx]
		candidates = append(candidates[:idx:idx], candidates[idx+1:]...)

		if err := p.probe(ctx, candidate); err != nil {
			p.logger.WithError(err).WithFields(logging.ProxyFields("proxy_probe", candidate.String(), attempt)).
				Debug("proxy_probe_failed")
			continue
		}
		p.logger.WithFields(logging.ProxyFields("proxy_probe", candidate.String(), attempt)).Debug("proxy_validated")
		return candidate, true
	}

	p.logger.WithFields(logrus.Fields{"action": "proxy_probe", "attempts": maxAttempts}).Warn("proxy_validation_exhausted")
	return "", false
}

// probe 通过候选代理向固定的外部主机发送 HEAD 请求，只要能拿到响应即视为可用。
func (p *Pool) probe(ctx context.Context, endpoint Endpoint) error {
	transport, err := p.Transport(endpoint)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: transport, Timeout: p.probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ParseList 解析以换行分隔的 host:port 列表，跳过空行、注释与格式错误的条目并去重。
func ParseList(r io.Reader) []Endpoint {
	var endpoints []Endpoint
	seen := map[Endpoint]struct{}{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "://"); idx >= 0 {
			line = line[idx+3:]
		}
		endpoint, ok := parseEndpoint(line)
		if !ok {
			continue
		}
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

func parseEndpoint(raw string) (Endpoint, bool) {
	host, port, err := net.SplitHostPort(raw)
	if err != nil || host == "" {
		return "", false
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", false
	}
	return Endpoint(net.JoinHostPort(host, port)), true
}
