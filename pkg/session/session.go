package session

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/com"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
)

// State is the room membership lifecycle.
type State uint8

const (
	Idle State = iota
	Connecting
	Joining
	InRoom
	Disconnected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Joining:
		return "joining"
	case InRoom:
		return "in-room"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	// DefaultRoom is the implicit lobby every client is considered a
	// member of until it joins a private room.
	DefaultRoom = "public"
	// announceDelay covers the race between a join acknowledgment and
	// the roster propagation to peers who joined at the same time.
	announceDelay = time.Second
	// snapshotMaxAge bounds how old a cached transform can be and still
	// seed the rejoin position.
	snapshotMaxAge = 5 * time.Second
)

// Handlers are the typed observers for the session events. One slot per
// event kind, set once at construction.
type Handlers struct {
	PeerJoined    func(p Peer)
	PeerLeft      func(id string)
	StateReceived func(u api.StateUpdate)
	RaceStarted   func(roomId string, timestamp int64)
	// Notice carries user-facing connection messages
	// ("reconnecting" and friends).
	Notice func(text string)
}

// Snapshot is the last known local transform, kept for seamless rejoins.
type Snapshot struct {
	Position   api.Vector3
	Rotation   float32
	CapturedAt time.Time
}

func (s Snapshot) Fresh(maxAge time.Duration) bool {
	return !s.CapturedAt.IsZero() && time.Since(s.CapturedAt) <= maxAge
}

type (
	RoomInfo struct {
		Id      string
		Private bool
		// DisableBots tells the caller to skip local AI participant
		// injection, private rooms are humans only.
		DisableBots bool
	}
	JoinResult struct {
		Room  string
		OwnId string
		Peers []Peer
	}
)

// Session owns one signaling connection, one peer registry and the
// per-peer transports. Explicitly constructed and stopped by the caller,
// several sessions can coexist in one process.
type Session struct {
	conf     config.Session
	log      *logger.Logger
	handlers Handlers

	reg *Registry
	neg *Negotiator
	syn *Synchronizer

	mu           sync.Mutex
	sig          *com.Client
	state        State
	ownId        string
	roomId       string
	roomPrivate  bool
	playerName   string
	retryCount   int
	snapshot     Snapshot
	closed       bool
	reconnecting bool
}

func New(conf config.Session, handlers Handlers, log *logger.Logger) *Session {
	s := &Session{conf: conf, log: log, handlers: handlers}
	s.reg = NewRegistry(log)
	s.neg = NewNegotiator(conf.Webrtc, log, s.sendSignal)
	s.syn = NewSynchronizer(s.reg, s.neg, conf.Signaling.Heartbeat, log)

	s.reg.OnEvents(
		func(p Peer) {
			s.neg.AddPeer(p.Id)
			if s.handlers.PeerJoined != nil {
				s.handlers.PeerJoined(p)
			}
		},
		func(id string) {
			// the transport goes down with its registry entry
			s.neg.RemovePeer(id)
			if s.handlers.PeerLeft != nil {
				s.handlers.PeerLeft(id)
			}
		},
	)
	s.neg.OnState(s.syn.HandleRaw)
	s.syn.OnUpdate(func(u api.StateUpdate) {
		if s.handlers.StateReceived != nil {
			s.handlers.StateReceived(u)
		}
	})
	return s
}

func (s *Session) Registry() *Registry     { s.mu.Lock(); defer s.mu.Unlock(); return s.reg }
func (s *Session) Negotiator() *Negotiator { s.mu.Lock(); defer s.mu.Unlock(); return s.neg }
func (s *Session) State() State            { s.mu.Lock(); defer s.mu.Unlock(); return s.state }
func (s *Session) Room() string            { s.mu.Lock(); defer s.mu.Unlock(); return s.roomId }
func (s *Session) Id() string              { s.mu.Lock(); defer s.mu.Unlock(); return s.ownId }

// Start opens the signaling connection. Safe to call twice.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.sig != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()

	c, err := s.dial()
	if err != nil {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		return err
	}
	s.attach(c)
	return nil
}

// Stop leaves the room and closes the signaling connection.
func (s *Session) Stop() {
	s.LeaveRoom()
	s.mu.Lock()
	s.closed = true
	c := s.sig
	s.sig = nil
	s.state = Idle
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// dial connects to the signaling server, retrying within the connect
// window. Whatever the transport error was, an exhausted window always
// surfaces as ErrConnectTimeout so the caller can match on it.
func (s *Session) dial() (*com.Client, error) {
	u, err := url.Parse(s.conf.Signaling.Address)
	if err != nil {
		return nil, err
	}
	co := com.NewConnector(com.WithTimeout(s.conf.Signaling.JoinTimeout), com.WithTag("sig"))
	deadline := time.Now().Add(s.conf.Signaling.ConnectTimeout)
	for {
		c, err := co.NewClient(*u, s.log)
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		s.log.Warn().Err(err).Msg("Signaling connect failed, retrying")
		time.Sleep(time.Second)
	}
}

func (s *Session) attach(c *com.Client) {
	s.mu.Lock()
	s.sig = c
	if s.state == Connecting {
		s.state = Idle
	}
	s.mu.Unlock()
	c.OnPacket(s.handlePacket)
	done := c.Listen()
	s.syn.SetRelay(func(t api.PT, payload any) { c.Notify(t, payload) })
	go s.watch(c, done)
}

// watch waits for a transport-level disconnect and drives the
// automatic rejoin.
func (s *Session) watch(c *com.Client, done chan struct{}) {
	<-done
	s.mu.Lock()
	if s.closed || s.sig != c || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.sig = nil
	// a disconnect during Joining has no membership to replay yet,
	// the room id is only known after the join acknowledgment
	inRoom := (s.state == InRoom || s.state == Joining) && s.roomId != ""
	roomId, name := s.roomId, s.playerName
	if inRoom {
		s.state = Disconnected
	} else {
		s.state = Idle
	}
	s.mu.Unlock()
	s.syn.Stop()
	if !inRoom {
		return
	}
	s.notice("Connection lost, reconnecting...")
	s.reconnect(roomId, name)
}

// reconnect replays the last room membership: same room id and display
// name, plus the cached transform when it is fresh enough for the rejoin
// to look seamless.
func (s *Session) reconnect(roomId, name string) {
	s.mu.Lock()
	s.reconnecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	retry := NewRetry(s.conf.Signaling.ReconnectDelay, s.conf.Signaling.ReconnectAttempts)
	for {
		delay, ok := retry.Next()
		if !ok {
			break
		}
		time.Sleep(delay)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.state = Reconnecting
		s.retryCount = retry.Count()
		snap := s.snapshot
		s.mu.Unlock()

		c, err := s.dial()
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", retry.Count()).Msg("Reconnect failed")
			continue
		}
		s.attach(c)
		if _, err := s.join(roomId, name, snap); err != nil {
			s.log.Warn().Err(err).Int("attempt", retry.Count()).Msg("Rejoin failed")
			s.mu.Lock()
			if s.sig == c {
				s.sig = nil
			}
			s.mu.Unlock()
			c.Close()
			continue
		}
		s.notice("Reconnected")
		return
	}
	s.notice("Connection lost")
	s.mu.Lock()
	s.state = Idle
	s.roomId, s.roomPrivate, s.ownId = "", false, ""
	s.mu.Unlock()
	s.neg.Stop()
	s.reg.Clear()
}

// NewRoomId makes a collision-resistant room id with the
// public/private prefix.
func NewRoomId(private bool) string {
	prefix := "public-"
	if private {
		prefix = "private-"
	}
	return prefix + strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + randTag(3)
}

const tagAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randTag(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tagAlphabet[rand.Intn(len(tagAlphabet))]
	}
	return string(b)
}

// CreateRoom makes a new room and joins it. Private rooms disable local
// bot injection, which is the caller's concern and is signaled back in
// the result.
func (s *Session) CreateRoom(displayName string, private bool) (RoomInfo, error) {
	id := NewRoomId(private)
	if _, err := s.JoinRoom(id, displayName); err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{Id: id, Private: private, DisableBots: private}, nil
}

// JoinRoom enters a room. Any prior membership is fully left first, a
// client belongs to at most one room at a time.
func (s *Session) JoinRoom(roomId, displayName string) (*JoinResult, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	prior := s.roomId
	s.mu.Unlock()
	if prior != "" {
		s.LeaveRoom()
	}
	return s.join(roomId, displayName, Snapshot{})
}

func (s *Session) join(roomId, displayName string, snap Snapshot) (*JoinResult, error) {
	s.mu.Lock()
	c := s.sig
	if c == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.state = Joining
	s.mu.Unlock()

	req := api.RoomJoinRequest{
		Rid:        roomId,
		PlayerName: displayName,
		SocketId:   c.Id().String(),
		Timestamp:  time.Now().UnixMilli(),
	}
	if snap.Fresh(snapshotMaxAge) {
		pos := snap.Position
		req.Position, req.Rotation = &pos, snap.Rotation
	}

	reply, err := api.UnwrapChecked[api.RoomJoinReply](c.Call(api.JoinRoom, req))
	if err != nil {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		if errors.Is(err, com.ErrTimeout) {
			return nil, ErrJoinTimeout
		}
		return nil, err
	}
	if reply == nil || reply.Id == "" {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		return nil, api.ErrMalformed
	}

	s.mu.Lock()
	s.ownId = reply.Id
	s.roomId = roomId
	s.roomPrivate = strings.HasPrefix(roomId, "private-")
	s.playerName = displayName
	s.state = InRoom
	s.mu.Unlock()

	s.reg.SetSelf(reply.Id)
	s.neg.Reset(reply.Id)
	for _, p := range reply.Peers {
		s.reg.AddPeer(p.Id, p.Name)
	}
	s.syn.Start()
	s.log.Info().Str("room", roomId).Str("id", reply.Id).Int("peers", len(reply.Peers)).Msg("Joined room")

	time.AfterFunc(announceDelay, func() {
		s.mu.Lock()
		ok := s.state == InRoom && s.roomId == roomId
		own := s.ownId
		s.mu.Unlock()
		if ok {
			s.syn.Announce(own)
		}
	})
	return &JoinResult{Room: roomId, OwnId: reply.Id, Peers: s.reg.Peers()}, nil
}

// LeaveRoom leaves the current room and tears everything peer-related
// down. Private rooms also leave the implicit public lobby, so no stale
// dual-membership lingers on the server.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	c := s.sig
	roomId, private := s.roomId, s.roomPrivate
	if roomId == "" {
		s.mu.Unlock()
		return
	}
	s.roomId, s.roomPrivate = "", false
	s.retryCount = 0
	if s.state == InRoom || s.state == Joining {
		s.state = Idle
	}
	s.mu.Unlock()

	if c != nil {
		c.Notify(api.LeaveRoom, api.RoomLeaveRequest{Rid: roomId})
		if private {
			c.Notify(api.LeaveRoom, api.RoomLeaveRequest{Rid: DefaultRoom})
		}
	}
	s.syn.Stop()
	s.neg.Stop()
	s.reg.Clear()
	s.mu.Lock()
	s.ownId = ""
	s.snapshot = Snapshot{}
	s.mu.Unlock()
	s.log.Info().Str("room", roomId).Msg("Left room")
}

// BroadcastState pushes the local transform to the room. Called by the
// simulation once per tick, the cadence is the caller's.
func (s *Session) BroadcastState(position api.Vector3, rotation float32) {
	s.mu.Lock()
	own := s.ownId
	inRoom := s.state == InRoom
	s.snapshot = Snapshot{Position: position, Rotation: rotation, CapturedAt: time.Now()}
	s.mu.Unlock()
	if !inRoom || own == "" {
		return
	}
	s.syn.Broadcast(api.StateUpdate{
		PeerId:    own,
		Position:  position,
		Rotation:  rotation,
		Timestamp: time.Now().UnixMilli(),
	})
}

// StartRace announces the race start to the room.
func (s *Session) StartRace() error {
	s.mu.Lock()
	c, room := s.sig, s.roomId
	s.mu.Unlock()
	if c == nil || room == "" {
		return ErrNotConnected
	}
	c.Notify(api.StartRace, api.RaceStart{Rid: room, Timestamp: time.Now().UnixMilli()})
	return nil
}

func (s *Session) sendSignal(t api.PT, sig api.Signal) {
	s.mu.Lock()
	c, from := s.sig, s.ownId
	s.mu.Unlock()
	if c == nil {
		return
	}
	sig.From = from
	c.Notify(t, sig)
}

func (s *Session) handlePacket(p api.In) {
	switch p.T {
	case api.PeerJoined:
		if dat := api.Unwrap[api.PeerInfo](p.Payload); dat != nil {
			s.reg.AddPeer(dat.Id, dat.Name)
		}
	case api.PeerLeft:
		if id := api.PeerLeftId(p.Payload); id != "" {
			s.reg.RemovePeer(id)
		}
	case api.PeerUpdate:
		s.syn.HandleRelayed(p.Payload, false)
	case api.PeerUpdateBinary:
		s.syn.HandleRelayed(p.Payload, true)
	case api.Offer:
		if sig := api.Unwrap[api.Signal](p.Payload); sig != nil {
			s.neg.HandleOffer(sig.From, sig.Offer)
		}
	case api.Answer:
		if sig := api.Unwrap[api.Signal](p.Payload); sig != nil {
			s.neg.HandleAnswer(sig.From, sig.Answer)
		}
	case api.IceCandidate:
		if sig := api.Unwrap[api.Signal](p.Payload); sig != nil {
			s.neg.HandleCandidate(sig.From, sig.Candidate)
		}
	case api.StartRace:
		if dat := api.Unwrap[api.RaceStart](p.Payload); dat != nil && s.handlers.RaceStarted != nil {
			s.handlers.RaceStarted(dat.Rid, dat.Timestamp)
		}
	default:
		s.log.Debug().Msgf("Unhandled packet [%v]", p.T)
	}
}

func (s *Session) notice(text string) {
	if s.handlers.Notice != nil {
		s.handlers.Notice(text)
	}
}
