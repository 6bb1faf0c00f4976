package signal

import (
	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/com"
)

// member is one connected client, possibly inside a room.
type member struct {
	id     string
	name   string
	roomId string
	client *com.Client
}

// room is a named rendezvous group of members.
type room struct {
	id      string
	members map[string]*member
}

func newRoom(id string) *room { return &room{id: id, members: make(map[string]*member, 4)} }

func (r *room) add(m *member)      { r.members[m.id] = m }
func (r *room) remove(id string)   { delete(r.members, id) }
func (r *room) empty() bool        { return len(r.members) == 0 }
func (r *room) has(id string) bool { _, ok := r.members[id]; return ok }

// roster lists the members except the one with the given id.
func (r *room) roster(except string) []api.PeerInfo {
	peers := make([]api.PeerInfo, 0, len(r.members))
	for _, m := range r.members {
		if m.id == except {
			continue
		}
		peers = append(peers, api.PeerInfo{Id: m.id, Name: m.name})
	}
	return peers
}

// broadcast sends a packet to every member except the given id.
func (r *room) broadcast(except string, t api.PT, payload any) {
	for _, m := range r.members {
		if m.id == except {
			continue
		}
		m.client.Notify(t, payload)
	}
}
