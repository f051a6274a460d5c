// Package server hosts the Fiber HTTP service and its middleware chain:
// request ids, panic recovery, inbound rate limiting and JSON error
// rendering. It also builds the direct (no-proxy) upstream HTTP client.
// Route handlers live in the routes subpackage and receive their
// dependencies explicitly, so keep exports narrow.
package server
