// Package actors holds the built-in actors: the per-connection root actor
// and the longString grip actor.
package actors
