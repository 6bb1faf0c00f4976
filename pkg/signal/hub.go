// Package signal implements the rendezvous server: room membership,
// WebRTC handshake relay and the fallback state-update route for peers
// without a direct channel.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/com"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
)

type Hub struct {
	conf config.Server
	log  *logger.Logger
	co   *com.Connector

	mu      sync.Mutex
	rooms   map[string]*room
	members map[string]*member

	metrics *Metrics
	server  *http.Server
}

func NewHub(conf config.Server, log *logger.Logger) *Hub {
	h := &Hub{
		conf:    conf,
		log:     log,
		co:      com.NewConnector(com.WithOrigin(conf.Origin), com.WithTag("hub")),
		rooms:   make(map[string]*room, 8),
		members: make(map[string]*member, 32),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleConnection)
	h.server = &http.Server{Addr: conf.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return h
}

// WithMetrics plugs the prometheus counters in.
func (h *Hub) WithMetrics(m *Metrics) *Hub { h.metrics = m; return h }

func (h *Hub) Run() {
	h.log.Info().Str("address", h.conf.Address).Msg("Starting signaling server")
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error().Err(err).Msg("Signaling server")
		}
	}()
}

func (h *Hub) Shutdown(ctx context.Context) error { return h.server.Shutdown(ctx) }

func (h *Hub) String() string { return "signal::" + h.conf.Address }

// Rooms reports the number of active rooms.
func (h *Hub) Rooms() int { h.mu.Lock(); defer h.mu.Unlock(); return len(h.rooms) }

func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	client, err := h.co.NewServer(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("Socket upgrade failed")
		return
	}
	m := &member{id: client.Id().String(), client: client}
	h.mu.Lock()
	h.members[m.id] = m
	h.metrics.peerCount(len(h.members))
	h.mu.Unlock()

	client.OnPacket(func(p api.In) { h.handlePacket(m, p) })
	done := client.Listen()
	go func() {
		<-done
		h.drop(m)
	}()
}

func (h *Hub) handlePacket(m *member, p api.In) {
	switch p.T {
	case api.JoinRoom:
		dat := api.Unwrap[api.RoomJoinRequest](p.Payload)
		if dat == nil || dat.Rid == "" {
			return
		}
		h.join(m, p, *dat)
	case api.LeaveRoom:
		dat := api.Unwrap[api.RoomLeaveRequest](p.Payload)
		if dat == nil {
			return
		}
		h.leave(m, dat.Rid)
	case api.PlayerUpdate:
		dat := api.Unwrap[api.StateUpdate](p.Payload)
		if dat == nil {
			return
		}
		if dat.PeerId == "" {
			dat.PeerId = m.id
		}
		h.metrics.relay(string(p.T))
		h.fanOut(m, api.PeerUpdate, dat)
	case api.PlayerUpdateBinary:
		dat := api.Unwrap[string](p.Payload)
		if dat == nil {
			return
		}
		h.metrics.relay(string(p.T))
		h.fanOut(m, api.PeerUpdateBinary, *dat)
	case api.Offer, api.Answer, api.IceCandidate:
		sig := api.Unwrap[api.Signal](p.Payload)
		if sig == nil || sig.To == "" {
			return
		}
		sig.From = m.id
		h.metrics.relay(string(p.T))
		h.route(p.T, *sig)
	case api.StartRace:
		dat := api.Unwrap[api.RaceStart](p.Payload)
		if dat == nil {
			return
		}
		h.fanOut(m, api.StartRace, *dat)
	default:
		h.log.Debug().Msgf("Unhandled packet [%v]", p.T)
	}
}

// join puts the member into a room, replies with the roster and tells
// the others. A prior membership is left first, one room per client.
func (h *Hub) join(m *member, p api.In, req api.RoomJoinRequest) {
	h.leave(m, m.roomId)

	h.mu.Lock()
	r := h.rooms[req.Rid]
	if r == nil {
		r = newRoom(req.Rid)
		h.rooms[req.Rid] = r
	}
	m.name = req.PlayerName
	m.roomId = req.Rid
	r.add(m)
	roster := r.roster(m.id)
	h.metrics.roomCount(len(h.rooms))
	h.mu.Unlock()

	h.log.Info().Str("room", req.Rid).Str("peer", m.id).Str("name", m.name).Msg("Join")
	m.client.Route(p, api.RoomJoinReply{Id: m.id, Rid: req.Rid, Peers: roster})

	h.mu.Lock()
	r.broadcast(m.id, api.PeerJoined, api.PeerInfo{Id: m.id, Name: m.name})
	if req.Position != nil {
		// a rejoin carries the cached transform, propagate it so the
		// peer reappears where it was
		r.broadcast(m.id, api.PeerUpdate, api.StateUpdate{
			PeerId:    m.id,
			Position:  *req.Position,
			Rotation:  req.Rotation,
			Timestamp: req.Timestamp,
		})
	}
	h.mu.Unlock()
}

// leave removes the member from a room and tells the others.
// A no-op for rooms the member is not in.
func (h *Hub) leave(m *member, roomId string) {
	if roomId == "" {
		return
	}
	h.mu.Lock()
	r := h.rooms[roomId]
	if r == nil || !r.has(m.id) {
		h.mu.Unlock()
		return
	}
	r.remove(m.id)
	if m.roomId == roomId {
		m.roomId = ""
	}
	if r.empty() {
		delete(h.rooms, roomId)
	}
	r.broadcast(m.id, api.PeerLeft, m.id)
	h.metrics.roomCount(len(h.rooms))
	h.mu.Unlock()
	h.log.Info().Str("room", roomId).Str("peer", m.id).Msg("Leave")
}

// drop handles a member disconnect.
func (h *Hub) drop(m *member) {
	h.leave(m, m.roomId)
	h.mu.Lock()
	delete(h.members, m.id)
	h.metrics.peerCount(len(h.members))
	h.mu.Unlock()
	h.log.Debug().Str("peer", m.id).Msg("Drop")
}

// fanOut broadcasts to the sender's room.
func (h *Hub) fanOut(m *member, t api.PT, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[m.roomId]
	if r == nil {
		return
	}
	r.broadcast(m.id, t, payload)
}

// route sends a handshake packet to its addressee.
func (h *Hub) route(t api.PT, sig api.Signal) {
	h.mu.Lock()
	target := h.members[sig.To]
	h.mu.Unlock()
	if target == nil {
		h.log.Warn().Str("to", sig.To).Msgf("No addressee for [%v]", t)
		return
	}
	target.client.Notify(t, sig)
}
