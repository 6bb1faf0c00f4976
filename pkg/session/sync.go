package session

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/logger"
)

// Synchronizer keeps remote transforms approximately current with
// minimal bandwidth. Outbound updates prefer the direct channel and the
// compact binary form, inbound updates are validated against the
// registry and dispatched last-write-wins by arrival order.
type Synchronizer struct {
	mu  sync.Mutex
	reg *Registry
	neg *Negotiator
	log *logger.Logger

	relay    func(t api.PT, payload any)
	onUpdate func(u api.StateUpdate)
	// encode is the binary codec, swappable in tests
	// to force the serialization fallback.
	encode func(u api.StateUpdate) ([]byte, error)

	heartbeat time.Duration
	last      api.StateUpdate
	lastAt    time.Time
	has       bool
	stop      chan struct{}
}

func NewSynchronizer(reg *Registry, neg *Negotiator, heartbeat time.Duration, log *logger.Logger) *Synchronizer {
	return &Synchronizer{
		reg:       reg,
		neg:       neg,
		log:       log,
		encode:    api.EncodeState,
		heartbeat: heartbeat,
	}
}

func (s *Synchronizer) OnUpdate(fn func(u api.StateUpdate)) { s.onUpdate = fn }

// SetRelay wires the signaling fallback route.
func (s *Synchronizer) SetRelay(fn func(t api.PT, payload any)) {
	s.mu.Lock()
	s.relay = fn
	s.mu.Unlock()
}

// Start runs the heartbeat: the last known state is re-broadcast when
// the caller stops ticking, so peers don't appear frozen.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()
	go func() {
		t := time.NewTicker(s.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.mu.Lock()
				u, ok := s.last, s.has && time.Since(s.lastAt) >= s.heartbeat
				s.mu.Unlock()
				if ok {
					u.Timestamp = time.Now().UnixMilli()
					s.push(u)
				}
			}
		}
	}()
}

func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.has = false
	s.mu.Unlock()
}

// Broadcast sends the local transform to every peer in the room.
func (s *Synchronizer) Broadcast(u api.StateUpdate) {
	s.mu.Lock()
	s.last, s.lastAt, s.has = u, time.Now(), true
	s.mu.Unlock()
	s.push(u)
}

// Last returns the most recent local state, if any was broadcast.
func (s *Synchronizer) Last() (api.StateUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.has
}

// Announce re-broadcasts the local state through the signaling relay
// regardless of the direct routes. Used right after a join, when peers
// who joined concurrently may not have each other in the roster yet.
func (s *Synchronizer) Announce(ownId string) {
	s.mu.Lock()
	u, has := s.last, s.has
	s.mu.Unlock()
	if !has {
		u = api.StateUpdate{PeerId: ownId}
	}
	u.Timestamp = time.Now().UnixMilli()
	payload, text := s.marshal(u)
	if payload != nil {
		s.sendRelay(u, payload, text)
	}
}

// push routes one update per peer: the open direct channel when there is
// one, the signaling relay for everyone else. The route is re-evaluated
// on every send, so a peer moves between transports mid-session without
// the caller noticing.
func (s *Synchronizer) push(u api.StateUpdate) {
	payload, text := s.marshal(u)
	if payload == nil {
		return
	}
	needRelay := false
	peers := s.reg.Peers()
	for _, p := range peers {
		if !s.neg.SendState(p.Id, payload, text) {
			needRelay = true
		}
	}
	if needRelay || len(peers) == 0 {
		s.sendRelay(u, payload, text)
	}
}

// marshal encodes an update, binary first with a per-call JSON fallback.
// A transient binary failure never disables the binary path for the
// following calls.
func (s *Synchronizer) marshal(u api.StateUpdate) (payload []byte, text bool) {
	bin, err := s.encode(u)
	if err == nil {
		return bin, false
	}
	s.log.Warn().Err(err).Msg("Binary state encode failed, falling back to JSON")
	j, err := json.Marshal(u)
	if err != nil {
		s.log.Error().Err(err).Msg("State encode")
		return nil, false
	}
	return j, true
}

func (s *Synchronizer) sendRelay(u api.StateUpdate, payload []byte, text bool) {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()
	if relay == nil {
		return
	}
	if text {
		relay(api.PlayerUpdate, u)
	} else {
		relay(api.PlayerUpdateBinary, base64.StdEncoding.EncodeToString(payload))
	}
}

// HandleInbound validates and dispatches one remote update.
// Updates for peers missing from the registry are dropped, not buffered.
func (s *Synchronizer) HandleInbound(u api.StateUpdate) {
	if u.PeerId == "" || !s.reg.Has(u.PeerId) {
		s.log.Warn().Str("peer", u.PeerId).Msg("State update for unknown peer, dropped")
		return
	}
	s.reg.Touch(u.PeerId, time.Now())
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

// HandleRaw decodes an update that arrived over a direct channel.
func (s *Synchronizer) HandleRaw(from string, data []byte, text bool) {
	var u api.StateUpdate
	if text {
		if err := json.Unmarshal(data, &u); err != nil {
			s.log.Warn().Err(err).Str("peer", from).Msg("State decode")
			return
		}
	} else {
		var err error
		if u, err = api.DecodeState(data); err != nil {
			s.log.Warn().Err(err).Str("peer", from).Msg("State decode")
			return
		}
	}
	if u.PeerId == "" {
		u.PeerId = from
	}
	s.HandleInbound(u)
}

// HandleRelayed decodes an update that arrived through the signaling
// channel, in either encoding.
func (s *Synchronizer) HandleRelayed(payload []byte, binary bool) {
	if binary {
		var b64 string
		if err := json.Unmarshal(payload, &b64); err != nil {
			s.log.Warn().Err(err).Msg("State decode")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			s.log.Warn().Err(err).Msg("State decode")
			return
		}
		u, err := api.DecodeState(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("State decode")
			return
		}
		s.HandleInbound(u)
		return
	}
	var u api.StateUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		s.log.Warn().Err(err).Msg("State decode")
		return
	}
	s.HandleInbound(u)
}
