// Package server hosts the templatepipe HTTP surface: the pipeline process
// endpoint, health check, metrics exposition, and the static file server
// over rendered outputs, from a single HTTP server.
//
// The server builds a consistent middleware chain of request-id tagging,
// logging, metrics, security headers, and rate limiting so every route
// shares common protections and instrumentation.
package server
