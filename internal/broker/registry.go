package broker

import (
	"errors"
	"sync"

	"github.com/codewiresh/vmnetd/internal/connection"
)

// ErrDuplicateConnection is returned by Registry.Add for an id that is
// already registered. Connection ids are unique per process, so this is an
// internal invariant violation.
var ErrDuplicateConnection = errors.New("duplicate connection id")

// Peer is the write side of a connection as the registry and fan-out see it.
// The registry never closes a peer; it only stops listing it.
type Peer interface {
	ID() connection.ID
	WriteFrame(payload []byte) error
	Abort(reason error)
}

// Registry is the set of connections that receive broadcasts.
type Registry struct {
	mu    sync.RWMutex
	peers map[connection.ID]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[connection.ID]Peer)}
}

func (r *Registry) Add(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; ok {
		return ErrDuplicateConnection
	}
	r.peers[p.ID()] = p
	return nil
}

// Remove deletes id and reports whether it was present. Removing an absent
// id is a no-op.
func (r *Registry) Remove(id connection.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Snapshot returns the current members in a fresh slice. Callers iterate it
// without holding the registry lock, so slow peers never block membership
// changes.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Has(id connection.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
