// Package server exposes an app.App over HTTP so that tools outside the
// process can drive the sidebar and the guests.
//
// # Endpoints
//
//	GET    /health                     frames, annotation count, sidebar state
//	GET    /annotations                annotations held by the sidebar
//	POST   /annotations                load annotations (JSON, or YAML by content type)
//	DELETE /annotations/{tag}          delete an annotation everywhere
//	POST   /annotations/focus          {"tags": [...]}; an empty list clears focus
//	POST   /annotations/{tag}/scroll   scroll the guests to an annotation
//	POST   /annotations/create         {"frameIdentifier": "", "highlight": false}
//	POST   /selection                  {"frameIdentifier": "", "start": 0, "end": 10}
//	PUT    /highlights                 {"visible": true}
//	GET    /anchors                    anchoring status per annotation and frame
//	GET    /event                      Server-Sent Events
//	GET    /event/ws                   the same events over a WebSocket
//
// # Errors
//
// Failures are reported as {"error": {"code", "message", "details"}}. Unknown
// tags and frames give 404, handler failures reported by a peer frame give
// 502 with the JSON-RPC error code in details.
//
// # Event Streams
//
// Both streams start with a server.connected event and then carry every event
// published by the host, the sidebar and the guests, encoded as
// {"type": ..., "properties": ...}. A slow consumer loses events rather than
// stalling the publisher.
package server
