// Package cache implements the two-tier image cache: a bounded in-memory
// tier with LRU-by-cost eviction and a content-addressed disk tier with
// age/size-capped cleanup. Keys are the lowercase hex MD5 of the source
// URL, so the filesystem itself is the index — a cached file lives at
// StoragePath/<namespace>/<key> and holds the raw encoded bytes exactly
// as received from the upstream. Both tiers sit behind small interfaces
// so callers can swap in custom implementations (for example the
// S3-backed disk tier in s3.go).
package cache
