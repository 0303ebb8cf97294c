package transport

import "github.com/danmuck/dbgwire/internal/protocol"

// Hooks receives transport events.
type Hooks interface {
	// OnPacket is called once per frame. err is a *frame.DecodeError when
	// the frame body was malformed, in which case pkt is nil.
	OnPacket(pkt protocol.Packet, err error)
	// OnClosed is called exactly once when the transport ends.
	OnClosed(status CloseStatus)
}

// HookFuncs adapts plain functions to Hooks. Nil fields are ignored.
type HookFuncs struct {
	Packet func(pkt protocol.Packet, err error)
	Closed func(status CloseStatus)
}

func (h HookFuncs) OnPacket(pkt protocol.Packet, err error) {
	if h.Packet != nil {
		h.Packet(pkt, err)
	}
}

func (h HookFuncs) OnClosed(status CloseStatus) {
	if h.Closed != nil {
		h.Closed(status)
	}
}
