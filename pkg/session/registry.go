package session

import (
	"sync"
	"time"

	"github.com/rallykart/rally/pkg/logger"
)

// Peer is a remote participant of the current room.
type Peer struct {
	Id         string
	Name       string
	LastUpdate time.Time
}

// Registry is the local source of truth for who is in the room.
// The local id never appears in it.
type Registry struct {
	mu    sync.Mutex
	self  string
	peers map[string]*Peer
	log   *logger.Logger

	onJoined func(Peer)
	onLeft   func(id string)
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{peers: make(map[string]*Peer, 8), log: log}
}

// OnEvents sets the join/leave observers. Called once, before the
// registry is populated.
func (r *Registry) OnEvents(joined func(Peer), left func(id string)) {
	r.mu.Lock()
	r.onJoined, r.onLeft = joined, left
	r.mu.Unlock()
}

// SetSelf remembers the local id assigned by the signaling server.
func (r *Registry) SetSelf(id string) { r.mu.Lock(); r.self = id; r.mu.Unlock() }

func (r *Registry) Self() string { r.mu.Lock(); defer r.mu.Unlock(); return r.self }

// AddPeer inserts a peer and reports it joined. Adding the local id is a
// no-op, adding a known id only refreshes its display name.
func (r *Registry) AddPeer(id string, name string) bool {
	r.mu.Lock()
	if id == "" || id == r.self {
		r.mu.Unlock()
		return false
	}
	if p, ok := r.peers[id]; ok {
		p.Name = name
		r.mu.Unlock()
		return false
	}
	peer := &Peer{Id: id, Name: name, LastUpdate: time.Now()}
	r.peers[id] = peer
	joined := r.onJoined
	r.mu.Unlock()

	r.log.Info().Str("peer", id).Str("name", name).Msg("Peer joined")
	if joined != nil {
		joined(*peer)
	}
	return true
}

// RemovePeer deletes a peer and reports it left.
// Safe to call for unknown ids.
func (r *Registry) RemovePeer(id string) bool {
	r.mu.Lock()
	if _, ok := r.peers[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, id)
	left := r.onLeft
	r.mu.Unlock()

	r.log.Info().Str("peer", id).Msg("Peer left")
	if left != nil {
		left(id)
	}
	return true
}

// Touch refreshes the liveness timestamp of a peer.
func (r *Registry) Touch(id string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	p.LastUpdate = at
	return true
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Registry) Len() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.peers) }

// Peers returns a roster snapshot.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		list = append(list, *p)
	}
	return list
}

// Clear empties the registry. Each removed peer is reported as left, so
// a leave's teardown is observable before the next room's join events.
func (r *Registry) Clear() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.RemovePeer(id)
	}
	r.mu.Lock()
	r.self = ""
	r.mu.Unlock()
}

// Stale lists peers not updated within maxAge. Advisory only, the
// registry never expires peers on its own.
func (r *Registry) Stale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := time.Now().Add(-maxAge)
	var ids []string
	for id, p := range r.peers {
		if p.LastUpdate.Before(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
