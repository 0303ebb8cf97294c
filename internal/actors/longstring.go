package actors

import (
	"sync"
	"unicode/utf8"

	"github.com/danmuck/dbgwire/internal/actor"
	"github.com/danmuck/dbgwire/internal/protocol"
)

const (
	// LongStringLength is the rune count from which strings are sent as
	// longString grips instead of inline values.
	LongStringLength = 10000
	// LongStringInitialLength is how much of a long string a grip carries.
	LongStringInitialLength = 1000
)

// IsLongString reports whether s should travel as a grip.
func IsLongString(s string) bool {
	return utf8.RuneCountInString(s) >= LongStringLength
}

// LongStringActor serves a string too long to send inline. Peers read it
// in pieces with substring and drop it with release.
type LongStringActor struct {
	actor.Base

	value []rune
	cache *stringCache
}

func newLongStringActor(s string, cache *stringCache) *LongStringActor {
	return &LongStringActor{
		Base:  actor.Base{Prefix: "longString"},
		value: []rune(s),
		cache: cache,
	}
}

// Grip is the protocol value standing in for the string.
func (a *LongStringActor) Grip() protocol.Packet {
	initial := a.value
	if len(initial) > LongStringInitialLength {
		initial = initial[:LongStringInitialLength]
	}
	return protocol.Packet{
		"type":    "longString",
		"initial": string(initial),
		"length":  len(a.value),
		"actor":   a.ActorID(),
	}
}

func (a *LongStringActor) RequestTypes() actor.RequestTypes {
	return actor.RequestTypes{
		"substring": a.onSubstring,
		"release":   a.onRelease,
	}
}

// onSubstring clamps both bounds to the string and swaps them when start
// is past end.
func (a *LongStringActor) onSubstring(req protocol.Packet) (protocol.Packet, error) {
	start, ok := req.Int("start")
	if !ok {
		return nil, protocol.NewError(protocol.ErrBadParameterType, "start must be an integer")
	}
	end, ok := req.Int("end")
	if !ok {
		return nil, protocol.NewError(protocol.ErrBadParameterType, "end must be an integer")
	}
	start = clamp(start, 0, len(a.value))
	end = clamp(end, 0, len(a.value))
	if start > end {
		start, end = end, start
	}
	return protocol.Packet{"substring": string(a.value[start:end])}, nil
}

func (a *LongStringActor) onRelease(protocol.Packet) (protocol.Packet, error) {
	a.cache.forget(a)
	if p := a.Pool(); p != nil {
		p.RemoveActor(a)
	}
	return protocol.Packet{}, nil
}

// Disconnect drops the cache entry when the owning pool is torn down.
func (a *LongStringActor) Disconnect() {
	a.cache.forget(a)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// stringCache hands out one grip actor per distinct string.
type stringCache struct {
	mu     sync.Mutex
	actors map[string]*LongStringActor
}

func newStringCache() *stringCache {
	return &stringCache{actors: make(map[string]*LongStringActor)}
}

// grip returns the grip for s, registering a new actor in pool on first use.
func (c *stringCache) grip(s string, pool *actor.Pool) protocol.Packet {
	c.mu.Lock()
	a, ok := c.actors[s]
	if !ok {
		a = newLongStringActor(s, c)
		pool.Add(a)
		c.actors[s] = a
	}
	c.mu.Unlock()
	return a.Grip()
}

func (c *stringCache) forget(a *LongStringActor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := string(a.value)
	if c.actors[s] == a {
		delete(c.actors, s)
	}
}

func (c *stringCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}
