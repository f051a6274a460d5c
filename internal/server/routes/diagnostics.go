package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mediahub/internal/cache"
	"github.com/any-hub/mediahub/internal/logging"
	"github.com/any-hub/mediahub/internal/requester"
	"github.com/any-hub/mediahub/internal/version"
)

// ProxyInfo 由 proxypool.Pool 实现。
type ProxyInfo interface {
	Enabled() bool
	Scheme() string
}

// PolicySource 由 requester.Requester 实现。
type PolicySource interface {
	Policy() requester.RetryPolicy
}

// RegisterDiagnosticsRoutes 暴露 /-/cache 与 /-/healthz 诊断接口，供运维查看缓存占用。
func RegisterDiagnosticsRoutes(app *fiber.App, store cache.Store) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"partitions": encodePartitions(store.Stats()),
		})
	})

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})
}

type partitionPayload struct {
	Namespace string `json:"namespace"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	MaxBytes  int64  `json:"max_bytes"`
	Human     string `json:"human"`
	Policy    string `json:"policy"`
}

func encodePartitions(stats []cache.PartitionStats) []partitionPayload {
	result := make([]partitionPayload, 0, len(stats))
	for _, s := range stats {
		result = append(result, partitionPayload{
			Namespace: string(s.Namespace),
			Entries:   s.Entries,
			Bytes:     s.Bytes,
			MaxBytes:  s.MaxBytes,
			Human:     logging.Bytes(s.Bytes) + " / " + logging.Bytes(s.MaxBytes),
			Policy:    s.Policy,
		})
	}
	return result
}

// RegisterProxyDiagnostics 暴露 /-/proxy，展示代理池状态与默认重试策略。
func RegisterProxyDiagnostics(app *fiber.App, pool ProxyInfo, policies PolicySource) {
	if app == nil || pool == nil || policies == nil {
		return
	}

	app.Get("/-/proxy", func(c fiber.Ctx) error {
		policy := policies.Policy()
		return c.JSON(proxyPayload{
			Enabled:             pool.Enabled(),
			Scheme:              pool.Scheme(),
			MaxAttempts:         policy.MaxAttempts,
			Backoff:             policy.Backoff.String(),
			AllowDirectFallback: policy.AllowDirectFallback,
		})
	})
}

type proxyPayload struct {
	Enabled             bool   `json:"enabled"`
	Scheme              string `json:"scheme"`
	MaxAttempts         int    `json:"max_attempts"`
	Backoff             string `json:"backoff"`
	AllowDirectFallback bool   `json:"allow_direct_fallback"`
}
