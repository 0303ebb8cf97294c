// Package client is the peer side of a debugging connection: it dials a
// server, waits for the hello and pairs requests with replies.
package client
