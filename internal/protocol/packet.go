package protocol

import (
	"fmt"
	"maps"
	"strings"
)

const (
	KeyTo      = "to"
	KeyFrom    = "from"
	KeyType    = "type"
	KeyError   = "error"
	KeyMessage = "message"
)

// RootActorID is the well-known id of the per-connection root actor.
const RootActorID = "root"

// Packet is one protocol message: a JSON object with the envelope fields
// to/from/type plus an open set of payload fields.
//
// Packets are treated as immutable once handed to a transport. Use With or
// Clone to derive a modified copy.
type Packet map[string]any

// To returns the target actor of a request, or "" when absent.
func (p Packet) To() string { return p.str(KeyTo) }

// From returns the source actor of a reply or event, or "" when absent.
func (p Packet) From() string { return p.str(KeyFrom) }

// Type returns the request discriminator, or "" when absent.
func (p Packet) Type() string { return p.str(KeyType) }

// Error returns the error kind of an error reply, or "" when absent.
func (p Packet) Error() ErrorKind { return ErrorKind(p.str(KeyError)) }

func (p Packet) Message() string { return p.str(KeyMessage) }

// IsError reports whether the packet carries an error field.
func (p Packet) IsError() bool {
	_, ok := p[KeyError]
	return ok
}

// Has reports whether key is present, even with a nil value.
func (p Packet) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy.
func (p Packet) Clone() Packet {
	if p == nil {
		return Packet{}
	}
	return maps.Clone(p)
}

// With returns a copy of p with key set to value.
func (p Packet) With(key string, value any) Packet {
	out := p.Clone()
	out[key] = value
	return out
}

// Validate checks the request envelope.
func (p Packet) Validate() error {
	if strings.TrimSpace(p.To()) == "" {
		return ErrMissingTo
	}
	if strings.TrimSpace(p.Type()) == "" {
		return fmt.Errorf("%w: to=%q", ErrMissingType, p.To())
	}
	return nil
}

// Str returns a string payload field and whether it was a string.
func (p Packet) Str(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Int returns a numeric payload field as an int. JSON numbers decode as
// float64; non-integral values are rejected.
func (p Packet) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func (p Packet) str(key string) string {
	v, _ := p[key].(string)
	return v
}
