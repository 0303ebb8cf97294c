// Package actor defines addressable request handlers and the pools that
// scope their lifetime.
//
// An actor is any type embedding Base that exposes a RequestTypes table.
// Actors implementing Cleanup are told when their pool is torn down.
package actor
