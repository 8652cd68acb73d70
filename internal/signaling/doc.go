// Package signaling implements the intercom coordinator's WebSocket surface.
//
// Every connection is served by a reader goroutine, a writer goroutine that
// drains a byte-bounded queue and a ping ticker. The readers only parse frames
// and hand them to the Hub; the Hub processes connect, message, disconnect and
// query events one at a time on its own goroutine, so the presence registry
// and the connection table are never shared.
package signaling
