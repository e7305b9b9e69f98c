// Package imaging defines the decoded-image model shared by the cache
// tiers and the downloader. An Image keeps the original encoded payload
// alongside the decoded geometry (width, height, scale, frame count) so
// the memory tier can account cost without re-decoding. Format sniffing
// works off magic bytes and never trusts the URL extension or the
// upstream Content-Type header.
package imaging
