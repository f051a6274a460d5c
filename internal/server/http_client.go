package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/mediahub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
}

// NewDirectClient 返回不经过任何代理的 http.Client，用于直连兜底与代理列表拉取。
// 连接超时与读取（响应头）超时分开配置。
func NewDirectClient(cfg *config.Config) *http.Client {
	connect := 5 * time.Second
	read := 30 * time.Second
	if cfg != nil {
		if d := cfg.Proxy.ConnectTimeout.DurationValue(); d > 0 {
			connect = d
		}
		if d := cfg.Proxy.ReadTimeout.DurationValue(); d > 0 {
			read = d
		}
	}

	transport := defaultTransport.Clone()
	transport.Proxy = nil
	transport.DialContext = (&net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = read

	return &http.Client{
		Timeout:   connect + read,
		Transport: transport,
	}
}
