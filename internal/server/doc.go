// Package server exposes a hub over HTTP.
//
// Producers register and publish channel values through a small REST API,
// and subscribers receive sequenced JSON patches over Server-Sent Events or
// WebSocket. Every stream opens a hub session, so each subscriber gets its
// own bounded queue and is resynchronized with a snapshot when it falls
// behind.
//
// # API Endpoints
//
//   - GET /channel: list channels
//   - PUT /channel/{id}: register a channel with an initial value
//   - GET /channel/{id}: current snapshot
//   - POST /channel/{id}: publish a new value
//   - DELETE /channel/{id}: unregister a channel and close its sessions
//   - GET /channel/{id}/info, /channel/{id}/sessions: bookkeeping
//   - GET /channel/{id}/sse: patch stream, resumable with Last-Event-ID
//   - GET /channel/{id}/ws: patch stream over WebSocket
//   - GET /sse?channel=a&channel=b: several channels on one stream
//   - DELETE /session/{id}: close a session
//   - GET /event: lifecycle events
//   - GET /metrics, /health
//
// # Stream format
//
// SSE patch frames are named after their channel and carry the patch
// sequence as the event id:
//
//	id: 3
//	event: count
//	data: {"event":"count","sequence":3,"patch":[{"op":"replace","path":"","value":3}]}
//
// The first frame of a fresh stream is a resync frame ("resync": true) whose
// patch replaces the whole document. Idle streams receive ": heartbeat"
// comments. WebSocket streams send the same JSON objects as text messages
// and accept {"type":"ack","sequence":n} from the client.
package server
