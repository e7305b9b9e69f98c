// Package server exposes the image manager over HTTP: a fetch-through
// endpoint that serves the original encoded bytes out of the cache (or
// the network on miss), plus diagnostics and cache administration
// routes. Every response carries a request ID; a served image also
// carries a cache-tier header.
package server
