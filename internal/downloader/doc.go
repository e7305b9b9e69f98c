// Package downloader executes remote image transfers. A Fetcher owns one
// HTTP transfer; the Downloader keeps a bounded worker pool of fetchers
// and coalesces duplicate requests: all concurrent subscribers for the
// same URL share a single transfer and receive completions in the order
// they subscribed. Download start/stop events are published through the
// Notifier for activity observers.
package downloader
