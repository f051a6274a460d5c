package proxypool

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseListSkipsMalformedEntries(t *testing.T) {
	body := strings.Join([]string{
		"10.0.0.1:8080",
		"",
		"# comment",
		"not-a-proxy",
		"10.0.0.2:99999",
		"http://10.0.0.3:3128",
		"10.0.0.1:8080",
		"  [::1]:1080  ",
	}, "\n")

	got := ParseList(strings.NewReader(body))
	want := []Endpoint{"10.0.0.1:8080", "10.0.0.3:3128", "[::1]:1080"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected endpoints (-want +got):\n%s", diff)
	}
}

func TestFetchCandidatesFailsSoftly(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	pool := newTestPool(t, broken.URL, "http://probe.invalid")
	if got := pool.FetchCandidates(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty candidates on bad status, got %v", got)
	}

	unreachable := newTestPool(t, "http://"+deadAddr(t), "http://probe.invalid")
	if got := unreachable.FetchCandidates(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty candidates on network error, got %v", got)
	}
}

func TestPickValidatedReturnsReachableProxy(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer probe.Close()

	fwd := newForwardProxy(t)
	dead := deadAddr(t)
	list := listServer(t, dead+"\n"+fwd.addr)

	pool := newTestPool(t, list.URL, probe.URL)
	pool.intn = func(int) int { return 0 }

	endpoint, ok := pool.PickValidated(context.Background(), 3)
	if !ok {
		t.Fatalf("expected a validated proxy")
	}
	if endpoint.String() != fwd.addr {
		t.Fatalf("expected %s, got %s", fwd.addr, endpoint)
	}
	if fwd.hits.Load() != 1 {
		t.Fatalf("expected one probe through the proxy, got %d", fwd.hits.Load())
	}
	if list.hits.Load() != 1 {
		t.Fatalf("list should be fetched once per call, got %d", list.hits.Load())
	}
}

func TestPickValidatedExhausts(t *testing.T) {
	list := listServer(t, deadAddr(t)+"\n"+deadAddr(t))
	pool := newTestPool(t, list.URL, "http://probe.invalid")

	if _, ok := pool.PickValidated(context.Background(), 4); ok {
		t.Fatalf("dead proxies must not validate")
	}
	// two candidates consumed, then two refetches
	if list.hits.Load() != 2 {
		t.Fatalf("expected list refetch after candidates ran out, got %d", list.hits.Load())
	}
}

func TestPickValidatedDisabledPool(t *testing.T) {
	pool := newTestPool(t, "", "http://probe.invalid")
	if pool.Enabled() {
		t.Fatalf("pool without list url should be disabled")
	}
	if _, ok := pool.PickValidated(context.Background(), 3); ok {
		t.Fatalf("disabled pool must not return a proxy")
	}
}

func TestProxyURLAndTransport(t *testing.T) {
	pool, err := New(Options{ListURL: "http://list.local", Scheme: "SOCKS5"})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if got := pool.ProxyURL("10.0.0.1:1080"); got != "socks5://10.0.0.1:1080" {
		t.Fatalf("unexpected proxy url %s", got)
	}
	transport, err := pool.Transport("10.0.0.1:1080")
	if err != nil {
		t.Fatalf("socks5 transport: %v", err)
	}
	if transport.DialContext == nil || transport.Proxy != nil {
		t.Fatalf("socks5 transport should dial through the proxy instead of using Proxy func")
	}

	if _, err := New(Options{Scheme: "ftp"}); err == nil {
		t.Fatalf("unsupported scheme should fail")
	}
}

func newTestPool(t *testing.T, listURL, probeURL string) *Pool {
	t.Helper()
	pool, err := New(Options{
		ListURL:        listURL,
		ProbeURL:       probeURL,
		ProbeTimeout:   time.Second,
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func listServer(t *testing.T, body string) *countingServer {
	t.Helper()
	s := &countingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

type forwardProxy struct {
	addr string
	hits atomic.Int32
}

// newForwardProxy 启动一个只处理绝对 URI 的最小 HTTP 正向代理。
func newForwardProxy(t *testing.T) *forwardProxy {
	t.Helper()
	fp := &forwardProxy{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.hits.Add(1)
		if !r.URL.IsAbs() {
			http.Error(w, "absolute uri required", http.StatusBadRequest)
			return
		}
		out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		resp, err := http.DefaultTransport.RoundTrip(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	t.Cleanup(srv.Close)
	fp.addr = srv.Listener.Addr().String()
	return fp
}

// deadAddr 返回一个刚刚关闭的本地端口，连接会被立即拒绝。
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to allocate port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}
