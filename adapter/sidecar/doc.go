// Package sidecar provides a cebus.Transport that talks to a pub/sub sidecar
// over HTTP (the Dapr pub/sub API).
//
// Publish POSTs each payload to
//
//	{BaseURL}/v1.0/publish/{PubSubName}/{topic}
//
// with Content-Type application/cloudevents+json, so the sidecar forwards the
// envelope unchanged instead of wrapping it again. Message metadata is sent as
// metadata.<key> query parameters.
//
// Subscribe does not open a connection: the Transport is an http.Handler the
// application serves, and the sidecar delivers to it. GET /dapr/subscribe
// lists the routes, and each delivery is answered with
//
//	{"status":"SUCCESS"} after Ack
//	{"status":"RETRY"}   after Nack, or when the handler settled nothing
//	{"status":"DROP"}    after Nack with a cebus.Permanent reason
package sidecar
