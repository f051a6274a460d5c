// Package requester funnels outbound GET requests through validated proxies
// from the proxy pool, retrying with a fresh proxy after a fixed backoff and
// falling back to a direct connection when the retry policy allows it.
package requester
