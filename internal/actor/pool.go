package actor

import (
	"sort"
	"sync"
)

// Pool maps actor ids to actors that share a lifetime. Cleanup disposes of
// all of them at once.
//
// Invariants:
//   - An actor is registered with at most one pool; Add re-parents.
//   - Every Cleanup hook runs at most once per registration.
type Pool struct {
	conn Conn

	mu       sync.Mutex
	actors   map[string]Actor
	cleanups map[string]Cleanup
}

// NewPool returns an empty pool allocating ids from conn.
func NewPool(conn Conn) *Pool {
	return &Pool{
		conn:     conn,
		actors:   make(map[string]Actor),
		cleanups: make(map[string]Cleanup),
	}
}

// Conn is the connection this pool allocates ids from.
func (p *Pool) Conn() Conn { return p.conn }

// Add registers a, assigning it an id when it has none and removing it
// from any other pool first.
func (p *Pool) Add(a Actor) {
	b := a.base()
	b.mu.Lock()
	if b.id == "" {
		if p.conn == nil {
			b.mu.Unlock()
			panic("actor: pool without connection cannot allocate an id")
		}
		b.id = p.conn.AllocID(b.Prefix)
	}
	if p.conn != nil {
		b.conn = p.conn
	}
	prev := b.pool
	b.pool = p
	id := b.id
	b.mu.Unlock()

	if prev != nil && prev != p {
		prev.drop(id, a)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.actors[id] = a
	if c, ok := a.(Cleanup); ok {
		p.cleanups[id] = c
	}
}

func (p *Pool) Get(id string) (Actor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.actors[id]
	return a, ok
}

func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.actors[id]
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actors)
}

func (p *Pool) IsEmpty() bool {
	return p.Len() == 0
}

// IDs returns the registered ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.actors))
	for id := range p.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove unregisters id. Unknown ids are ignored.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	a, ok := p.actors[id]
	delete(p.actors, id)
	delete(p.cleanups, id)
	p.mu.Unlock()
	if ok {
		p.release(a)
	}
}

// RemoveActor unregisters a if it is registered here.
func (p *Pool) RemoveActor(a Actor) {
	p.drop(ID(a), a)
	p.release(a)
}

// Cleanup runs the Disconnect hook of every actor still registered with
// one, then empties the pool. Hooks may remove actors from this pool.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.cleanups))
	for id := range p.cleanups {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		p.mu.Lock()
		c, ok := p.cleanups[id]
		delete(p.cleanups, id)
		p.mu.Unlock()
		if ok {
			c.Disconnect()
		}
	}

	p.mu.Lock()
	actors := p.actors
	p.actors = make(map[string]Actor)
	p.cleanups = make(map[string]Cleanup)
	p.mu.Unlock()
	for _, a := range actors {
		p.release(a)
	}
}

// drop removes id only while it still maps to a.
func (p *Pool) drop(id string, a Actor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.actors[id]; ok && cur == a {
		delete(p.actors, id)
		delete(p.cleanups, id)
	}
}

func (p *Pool) release(a Actor) {
	b := a.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == p {
		b.pool = nil
	}
}
