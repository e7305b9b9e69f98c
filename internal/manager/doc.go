// Package manager ties the cache tiers and the downloader into the
// end-to-end image loading pipeline: memory lookup, disk fallback,
// network fetch, result write-back, and per-request cancellation. URLs
// that failed with a non-retriable error are blacklisted until the
// caller opts into a retry.
package manager
