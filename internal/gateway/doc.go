// Package gateway exposes streaming transports over HTTP.
//
// It is the routing layer: a long-lived GET opens a session's event stream,
// short-lived POSTs carry inbound messages routed through the session
// registry, and message meaning is delegated to the injected dispatcher.
package gateway
