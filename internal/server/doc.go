// Package server hosts the VOD API, playback routes, progress stream and
// operational endpoints from a single HTTP server.
//
// Every route shares one middleware chain: tracing, request IDs, logging,
// metrics, security headers, CORS and rate limiting.
package server
