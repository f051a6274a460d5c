package proxypool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

const (
	SchemeHTTP   = "http"
	SchemeSOCKS5 = "socks5"
)

// ProxyURL 返回 scheme://host:port 形式的代理地址，交给外部下载工具使用。
func (p *Pool) ProxyURL(endpoint Endpoint) string {
	return (&url.URL{Scheme: p.scheme, Host: endpoint.String()}).String()
}

// Transport 为单个代理构建一次性 Transport：禁用长连接，连接/握手使用较短的 connect 超时。
func (p *Pool) Transport(endpoint Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   p.connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   p.connectTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     false,
	}

	switch p.scheme {
	case SchemeSOCKS5:
		socks, err := proxy.SOCKS5("tcp", endpoint.String(), nil, dialer)
		if err != nil {
			return nil, err
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
			defer cancel()
			return contextDialer.DialContext(ctx, network, addr)
		}
	default:
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: SchemeHTTP, Host: endpoint.String()})
		transport.DialContext = dialer.DialContext
	}
	return transport, nil
}
