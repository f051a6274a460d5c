package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterSetsRequestID(t *testing.T) {
	app := newTestApp(t, 0)
	app.Get("/ping", func(c fiber.Ctx) error {
		return c.SendString(RequestID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != reqID {
		t.Fatalf("handler should observe the same request id, got %s vs %s", body, reqID)
	}
}

func TestRouterRecoversPanicsAsJSON(t *testing.T) {
	app := newTestApp(t, 0)
	app.Get("/boom", func(c fiber.Ctx) error {
		panic("boom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"error"`)) {
		t.Fatalf("expected json error body, got %s", body)
	}
}

func TestRouterRateLimits(t *testing.T) {
	app := newTestApp(t, 1)
	app.Get("/download", func(c fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/-/healthz", func(c fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	first, err := app.Test(httptest.NewRequest("GET", "/download", nil))
	if err != nil || first.StatusCode != fiber.StatusNoContent {
		t.Fatalf("first request should pass: %v %v", first, err)
	}
	second, err := app.Test(httptest.NewRequest("GET", "/download", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if second.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	body, _ := io.ReadAll(second.Body)
	if !bytes.Contains(body, []byte(`"rate_limited"`)) {
		t.Fatalf("expected rate_limited error, got %s", body)
	}

	diag, err := app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil || diag.StatusCode != fiber.StatusNoContent {
		t.Fatalf("diagnostics should bypass the limiter: %v %v", diag, err)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{ListenPort: 5000}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("missing port should fail")
	}
}

// newTestApp 构建测试用 App；rps=0 表示不限流，rps=1 时桶容量为 1。
func newTestApp(t *testing.T, rps float64) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:            logger,
		ListenPort:        5000,
		RequestsPerSecond: rps,
		Burst:             1,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}
