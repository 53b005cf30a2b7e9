// Package api hosts the HTTP handlers of the VOD playback service.
//
// Handler coordinates request validation and response shaping while
// delegating work to collaborators injected by the caller: the catalog store,
// the transcode dispatcher, the manifest service and the playback tracker.
// The package does not reach for globals and expects fully configured
// dependencies.
//
// Handlers assume upstream middleware from internal/server has already applied
// request IDs, rate limiting, metrics and logging. Viewer identity arrives in
// the X-User-ID header and the viewer's entitlement in X-Max-Quality (or the
// maxQuality query parameter); both are set by the gateway in front of this
// service.
package api
