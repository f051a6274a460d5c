package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/mediahub/internal/config"
)

func TestNewDirectClientUsesConfigTimeouts(t *testing.T) {
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			ConnectTimeout: config.Duration(2 * time.Second),
			ReadTimeout:    config.Duration(45 * time.Second),
		},
	}

	client := NewDirectClient(cfg)
	if client.Timeout != 47*time.Second {
		t.Fatalf("expected overall timeout 47s, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("read timeout should bound response headers, got %s", transport.ResponseHeaderTimeout)
	}
	if transport.Proxy != nil {
		t.Fatalf("direct client must not use environment proxies")
	}
}

func TestNewDirectClientDefaults(t *testing.T) {
	client := NewDirectClient(nil)
	if client.Timeout != 35*time.Second {
		t.Fatalf("expected default timeout 35s, got %s", client.Timeout)
	}
	if client.Transport == defaultTransport {
		t.Fatalf("transport should be cloned per client")
	}
}
