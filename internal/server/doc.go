// Package server implements the WebSocket chat relay: per-room hubs that admit
// connections through a handshake, buffer each connection's outbound events in
// a bounded mailbox and fan broadcasts out to every other connection.
//
// The implementation is organized into specialized files for configuration, the
// room registry, hubs, connections, history, routing, and HTTP handlers.
package server
