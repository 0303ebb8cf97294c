package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMissingTo   = errors.New("protocol: request missing to")
	ErrMissingType = errors.New("protocol: request missing type")
)

// ErrorKind is the value of the "error" field of an error reply.
type ErrorKind string

const (
	ErrNoSuchActor            ErrorKind = "noSuchActor"
	ErrUnrecognizedPacketType ErrorKind = "unrecognizedPacketType"
	ErrUnknownError           ErrorKind = "unknownError"
	ErrBadParameterType       ErrorKind = "badParameterType"
	ErrWrongState             ErrorKind = "wrongState"
)

// Error is a protocol-level failure that is reported to the peer as an
// error packet instead of tearing down the connection.
type Error struct {
	Kind    ErrorKind
	Message string
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Packet renders the error as a reply from the given actor.
func (e *Error) Packet(from string) Packet {
	return ErrorPacket(from, e.Kind, e.Message)
}

// ErrorPacket builds {from, error[, message]}.
func ErrorPacket(from string, kind ErrorKind, message string) Packet {
	p := Packet{KeyFrom: from, KeyError: string(kind)}
	if message != "" {
		p[KeyMessage] = message
	}
	return p
}
