// Package admin serves health, readiness, metrics and connection
// inspection over HTTP.
package admin
