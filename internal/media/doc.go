// Package media orchestrates media acquisition: cache lookup, proxy-aware
// delegation to the extraction tool, optional audio transcoding, and commit
// into the content-addressed cache. Concurrent misses for one key share a
// single download and the number of concurrent downloads is bounded.
package media
