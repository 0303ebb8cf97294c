// Package transport bridges a byte stream and protocol packets.
//
// Ownership boundary:
// - outgoing frame queue and its writer goroutine
// - incoming byte buffer and frame extraction
// - close detection and the single OnClosed notification
//
// Concurrency: OnPacket is only ever called from the reader goroutine, in
// the order frames completed on the wire. Send may be called from any
// goroutine and never calls back into the hooks.
package transport
