package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediahub/internal/cache"
	"github.com/any-hub/mediahub/internal/extractor"
	"github.com/any-hub/mediahub/internal/media"
	"github.com/any-hub/mediahub/internal/proxypool"
	"github.com/any-hub/mediahub/internal/requester"
	"github.com/any-hub/mediahub/internal/resolver"
	"github.com/any-hub/mediahub/internal/server"
)

const twoMiB = 2 << 20

func TestDownloadByTitleStreamsAndCaches(t *testing.T) {
	env := newTestEnv(t, `{"link": "https://example/video123"}`, nil)

	first := env.get(t, "/download?title="+url.QueryEscape("Test Song"))
	if first.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.StatusCode, readBody(t, first))
	}
	disposition := first.Header.Get(fiber.HeaderContentDisposition)
	if !strings.HasPrefix(disposition, "attachment") || !strings.HasSuffix(disposition, `.m4a"`) {
		t.Fatalf("unexpected content disposition %q", disposition)
	}
	if ct := first.Header.Get(fiber.HeaderContentType); ct != "audio/mp4" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := readBody(t, first); len(body) != twoMiB {
		t.Fatalf("expected 2MiB body, got %d bytes", len(body))
	}
	if got := env.extractor.lastURL.Load(); got == nil || got.(string) != "https://example/video123" {
		t.Fatalf("extractor should receive the resolved link, got %v", got)
	}

	second := env.get(t, "/download?title="+url.QueryEscape("Test Song"))
	if second.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", second.StatusCode)
	}
	if second.Header.Get(fiber.HeaderContentDisposition) != disposition {
		t.Fatalf("repeat request should serve the same cached file")
	}
	readBody(t, second)

	if env.api.hits.Load() != 1 {
		t.Fatalf("repeat request must not call the search api, hits=%d", env.api.hits.Load())
	}
	if env.extractor.calls.Load() != 1 {
		t.Fatalf("repeat request must not call the extractor, calls=%d", env.extractor.calls.Load())
	}
}

func TestVdownServesVideoContentType(t *testing.T) {
	env := newTestEnv(t, `{"link": "https://example/unused"}`, nil)
	env.extractor.ext = "webm"

	resp := env.get(t, "/vdown?url="+url.QueryEscape("https://www.youtube.com/watch?v=abc"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	readBody(t, resp)
	if ct := resp.Header.Get(fiber.HeaderContentType); ct != "video/webm" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if env.api.hits.Load() != 0 {
		t.Fatalf("native url must not be resolved")
	}
}

func TestMediaRoutesErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		apiBody  string
		extErr   error
		path     string
		status   int
		errorKey string
	}{
		{name: "missing params", apiBody: `{}`, path: "/download", status: 400, errorKey: "missing_url_or_title"},
		{name: "missing title", apiBody: `{}`, path: "/search", status: 400, errorKey: "missing_title"},
		{name: "no link", apiBody: `{"title": "x"}`, path: "/download?title=nothing", status: 404, errorKey: "resolution_failed"},
		{name: "extractor failure", apiBody: `{"link": "https://example/v"}`, extErr: errors.New("format unavailable"), path: "/vdown?title=x", status: 500, errorKey: "upstream_failure"},
		{name: "no output", apiBody: `{"link": "https://example/v"}`, extErr: extractor.ErrNoOutput, path: "/download?title=y", status: 404, errorKey: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.apiBody, tc.extErr)
			resp := env.get(t, tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			var payload map[string]string
			if err := json.Unmarshal(readBody(t, resp), &payload); err != nil {
				t.Fatalf("expected json body: %v", err)
			}
			if payload["error"] != tc.errorKey {
				t.Fatalf("expected error %s, got %v", tc.errorKey, payload)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Fatalf("error responses should carry X-Request-ID")
			}
		})
	}
}

func TestSearchReturnsResolveJSON(t *testing.T) {
	env := newTestEnv(t, `{"link": "https://youtu.be/abc", "title": "Test Song", "duration": "3:35"}`, nil)

	resp := env.get(t, "/search?title="+url.QueryEscape("Test Song"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result resolver.Result
	if err := json.Unmarshal(readBody(t, resp), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Link != "https://youtu.be/abc" || result.Title != "Test Song" || string(result.Duration) != `"3:35"` {
		t.Fatalf("unexpected search result %+v", result)
	}
}

func TestCacheDiagnostics(t *testing.T) {
	env := newTestEnv(t, `{"link": "https://example/video123"}`, nil)
	readBody(t, env.get(t, "/download?title=song"))

	resp := env.get(t, "/-/cache")
	body := readBody(t, resp)
	var payload struct {
		Partitions []partitionPayload `json:"partitions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if len(payload.Partitions) != 2 {
		t.Fatalf("expected two partitions, got %+v", payload.Partitions)
	}
	audio := payload.Partitions[0]
	if audio.Namespace != "audio" || audio.Entries != 1 || audio.Bytes != twoMiB || audio.Policy != cache.PolicyLRU {
		t.Fatalf("unexpected audio partition %+v", audio)
	}

	health := env.get(t, "/-/healthz")
	if !bytes.Contains(readBody(t, health), []byte(`"ok"`)) {
		t.Fatalf("healthz should report ok")
	}
}

func TestProxyDiagnostics(t *testing.T) {
	pool, err := proxypool.New(proxypool.Options{ListURL: "http://proxies.invalid/list.txt", Scheme: "socks5"})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	req := requester.New(requester.Options{
		Proxies: pool,
		Policy:  requester.RetryPolicy{MaxAttempts: 3, Backoff: time.Second, AllowDirectFallback: true},
	})
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	RegisterProxyDiagnostics(app, pool, req)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/proxy", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload proxyPayload
	if err := json.Unmarshal(readBody(t, resp), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := proxyPayload{Enabled: true, Scheme: "socks5", MaxAttempts: 3, Backoff: "1s", AllowDirectFallback: true}
	if payload != want {
		t.Fatalf("unexpected proxy diagnostics %+v", payload)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("wrap: %w", media.ErrBadRequest), want: 400},
		{err: fmt.Errorf("wrap: %w", media.ErrNotFound), want: 404},
		{err: fmt.Errorf("wrap: %w", resolver.ErrResolutionFailure), want: 404},
		{err: fmt.Errorf("wrap: %w", media.ErrUpstreamFailure), want: 500},
		{err: fmt.Errorf("wrap: %w", requester.ErrProxyExhausted), want: 500},
		{err: context.DeadlineExceeded, want: 504},
		{err: errors.New("disk full"), want: 500},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

type testEnv struct {
	app       *fiber.App
	api       *searchAPI
	extractor *fakeExtractor
}

func (e *testEnv) get(t *testing.T, target string) *http.Response {
	t.Helper()
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func newTestEnv(t *testing.T, apiBody string, extErr error) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	api := newSearchAPI(t, apiBody)
	res, err := resolver.New(resolver.Options{
		SearchAPI: api.URL,
		Getter:    requester.New(requester.Options{}),
		CacheTTL:  time.Minute,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	store, err := cache.NewStore(t.TempDir(), cache.Options{MaxBytes: 64 << 20})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ext := &fakeExtractor{ext: "m4a", size: twoMiB, err: extErr}
	fetcher, err := media.NewFetcher(media.Options{Store: store, Extractor: ext, Logger: logger})
	if err != nil {
		t.Fatalf("fetcher: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	RegisterMediaRoutes(app, MediaDeps{Resolver: res, Fetcher: fetcher, Logger: logger})
	RegisterDiagnosticsRoutes(app, store)

	return &testEnv{app: app, api: api, extractor: ext}
}

type searchAPI struct {
	*httptest.Server
	hits atomic.Int32
}

func newSearchAPI(t *testing.T, body string) *searchAPI {
	t.Helper()
	s := &searchAPI{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

type fakeExtractor struct {
	ext     string
	size    int
	err     error
	calls   atomic.Int32
	lastURL atomic.Value
}

func (f *fakeExtractor) Extract(_ context.Context, req extractor.Request) (extractor.Result, error) {
	f.calls.Add(1)
	f.lastURL.Store(req.URL)
	if f.err != nil {
		return extractor.Result{}, f.err
	}
	path := filepath.Join(req.OutputDir, "video123."+f.ext)
	if err := os.WriteFile(path, make([]byte, f.size), 0o644); err != nil {
		return extractor.Result{}, err
	}
	return extractor.Result{FilePath: path, Ext: f.ext}, nil
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}
