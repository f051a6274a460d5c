// Package cache implements the content-addressed media cache. A logical
// resource identifier plus a namespace (audio or video) hashes to a Key; the
// store maps each Key to a single file <CacheDir>/<namespace>/<digest>.<ext>.
// Completed downloads enter the cache through Commit, which relocates a
// scratch file with an atomic rename and keeps every partition under its
// configured byte budget via a pluggable eviction policy (lru or purge).
// Lookups never observe partially written files.
package cache
