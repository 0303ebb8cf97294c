// Package protocol owns the remote debugging wire contract.
//
// Ownership boundary:
// - packet envelope (to/from/type/error) and accessors
// - protocol error kinds surfaced to peers
// - frame codec (subpackage frame)
// - byte-stream transport (subpackage transport)
package protocol
