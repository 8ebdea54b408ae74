// Package transport implements the per-session streaming transport and the
// session registry.
//
// Each transport owns one Server-Sent Events stream and the inbound message
// intake for that session; the registry routes short-lived POST requests to
// the live stream they belong to. Message semantics stay with the handler
// the transport delivers into.
package transport
