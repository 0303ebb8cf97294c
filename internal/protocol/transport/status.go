package transport

import "fmt"

// CloseReason tells how a transport ended.
type CloseReason int

const (
	// ClosedLocally means Close was called on this side.
	ClosedLocally CloseReason = iota
	// ClosedByPeer means the input stream reached a clean end of stream.
	ClosedByPeer
	// ClosedOnError means a read, write or framing error ended the stream.
	ClosedOnError
)

func (r CloseReason) String() string {
	switch r {
	case ClosedLocally:
		return "local"
	case ClosedByPeer:
		return "peer"
	case ClosedOnError:
		return "error"
	default:
		return fmt.Sprintf("CloseReason(%d)", int(r))
	}
}

// CloseStatus is delivered once to Hooks.OnClosed.
type CloseStatus struct {
	Reason CloseReason
	Err    error
}

// Clean reports whether the stream ended without an I/O or framing error.
func (s CloseStatus) Clean() bool {
	return s.Reason != ClosedOnError
}

func (s CloseStatus) String() string {
	if s.Err == nil {
		return s.Reason.String()
	}
	return fmt.Sprintf("%s: %v", s.Reason, s.Err)
}
