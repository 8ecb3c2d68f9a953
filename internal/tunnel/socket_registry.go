package tunnel

import (
	"net"
	"sync"
)

// socketRegistry is the per-session mapping socket_id -> live public TCP
// socket (§5 "Shared resources"). Insert on accept, remove on close.
type socketRegistry struct {
	mu      sync.Mutex
	sockets map[string]net.Conn
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{sockets: make(map[string]net.Conn)}
}

func (r *socketRegistry) add(id string, conn net.Conn) {
	r.mu.Lock()
	r.sockets[id] = conn
	r.mu.Unlock()
}

func (r *socketRegistry) get(id string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sockets[id]
	return c, ok
}

func (r *socketRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sockets, id)
	r.mu.Unlock()
}

// closeAll closes and forgets every registered socket, used on session teardown.
func (r *socketRegistry) closeAll() {
	r.mu.Lock()
	sockets := r.sockets
	r.sockets = make(map[string]net.Conn)
	r.mu.Unlock()
	for _, c := range sockets {
		c.Close()
	}
}
