package session

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
)

// LinkState tracks one peer's transport negotiation progress.
type LinkState uint8

const (
	LinkIdle LinkState = iota
	LinkNegotiating
	LinkChecking
	LinkConnected
	LinkFailed
	// LinkUnreachable is terminal: the retry budget is spent and the
	// peer stays on the relayed route for the rest of the session.
	LinkUnreachable
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkNegotiating:
		return "negotiating"
	case LinkChecking:
		return "checking"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkUnreachable:
		return "unreachable"
	}
	return "unknown"
}

const stateChannelLabel = "state"

// link is the per-peer negotiation state.
type link struct {
	peerId  string
	offerer bool
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	// pending queues remote ICE candidates discovered before the remote
	// description is set. Flushed on apply, dropped on peer removal.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	retry     Retry
	state     LinkState
}

// Negotiator establishes a direct data channel per peer when possible.
// Peers it cannot reach stay on the signaling relay, negotiation
// failures never abort the session.
type Negotiator struct {
	mu    sync.Mutex
	conf  config.Webrtc
	log   *logger.Logger
	api   *webrtc.API
	links map[string]*link

	selfId string
	// relayOnly forces TURN for every negotiation that starts after the
	// first ICE failure of the session.
	relayOnly bool

	send          func(t api.PT, sig api.Signal)
	onState       func(from string, data []byte, text bool)
	onUnreachable func(peerId string)
}

// Encode encodes the input in base64 JSON, the format
// the signaling channel relays SDPs and candidates in.
func Encode(obj any) (string, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode decodes the base64 JSON input.
func Decode(in string, obj any) error {
	b, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, obj)
}

func NewNegotiator(conf config.Webrtc, log *logger.Logger, send func(t api.PT, sig api.Signal)) *Negotiator {
	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, conf.IceLogLevel)}
	return &Negotiator{
		conf:  conf,
		log:   log,
		api:   webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		links: make(map[string]*link, 8),
		send:  send,
	}
}

func (n *Negotiator) OnState(fn func(from string, data []byte, text bool)) { n.onState = fn }
func (n *Negotiator) OnUnreachable(fn func(peerId string))                 { n.onUnreachable = fn }

// Reset prepares the negotiator for a new room membership.
func (n *Negotiator) Reset(selfId string) {
	n.mu.Lock()
	n.selfId = selfId
	n.relayOnly = false
	n.mu.Unlock()
}

// Offerer decides which side of a pair sends the offer. The
// lexicographically smaller id offers, so the two sides never
// race each other with competing offers.
func Offerer(selfId, peerId string) bool { return selfId < peerId }

// AddPeer starts a negotiation with a new room member.
func (n *Negotiator) AddPeer(peerId string) {
	n.mu.Lock()
	if _, ok := n.links[peerId]; ok {
		n.mu.Unlock()
		return
	}
	l := &link{
		peerId:  peerId,
		offerer: Offerer(n.selfId, peerId),
		retry:   NewRetry(n.conf.IceFailDelay, n.conf.IceFailAttempts),
	}
	n.links[peerId] = l
	n.mu.Unlock()
	if l.offerer {
		n.dial(l)
	}
}

// RemovePeer tears the peer's transport down. The link leaves the map
// before its transports close, so a delayed redial or channel recreation
// cannot race a fresh negotiation for the same peer.
func (n *Negotiator) RemovePeer(peerId string) {
	n.mu.Lock()
	l := n.links[peerId]
	delete(n.links, peerId)
	var dc *webrtc.DataChannel
	var pc *webrtc.PeerConnection
	if l != nil {
		dc, pc = l.dc, l.pc
		l.dc, l.pc, l.pending = nil, nil, nil
	}
	n.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

// Stop tears down every peer transport.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	ids := make([]string, 0, len(n.links))
	for id := range n.links {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.RemovePeer(id)
	}
}

// PeerState reports the negotiation state for a peer.
func (n *Negotiator) PeerState(peerId string) LinkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[peerId]; ok {
		return l.state
	}
	return LinkIdle
}

// RelayOnly reports whether the session has been degraded to
// TURN-only negotiations.
func (n *Negotiator) RelayOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relayOnly
}

// ChannelOpen reports whether the direct channel to the peer is usable.
func (n *Negotiator) ChannelOpen(peerId string) bool {
	n.mu.Lock()
	l := n.links[peerId]
	var dc *webrtc.DataChannel
	if l != nil {
		dc = l.dc
	}
	n.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// SendState pushes one encoded state update over the direct channel.
// Returns false when the channel is not open, the caller then falls
// back to the signaling route.
func (n *Negotiator) SendState(peerId string, data []byte, text bool) bool {
	n.mu.Lock()
	l := n.links[peerId]
	var dc *webrtc.DataChannel
	if l != nil {
		dc = l.dc
	}
	n.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	var err error
	if text {
		err = dc.SendText(string(data))
	} else {
		err = dc.Send(data)
	}
	return err == nil
}

// dial creates a fresh connection and sends an offer. Offerer side only.
func (n *Negotiator) dial(l *link) {
	n.mu.Lock()
	if n.links[l.peerId] != l {
		n.mu.Unlock()
		return
	}
	pc, err := n.newConnection(l)
	if err != nil {
		l.state = LinkFailed
		n.mu.Unlock()
		n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Peer connection create")
		return
	}
	l.pc = pc
	l.state = LinkNegotiating
	n.mu.Unlock()

	dc, err := pc.CreateDataChannel(stateChannelLabel, nil)
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Data channel create")
		return
	}
	n.attachChannel(l, dc)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Offer create")
		return
	}
	sdp, err := Encode(offer)
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Offer encode")
		return
	}
	n.log.Debug().Str("peer", l.peerId).Msg("Created offer")
	n.send(api.Offer, api.Signal{To: l.peerId, Offer: sdp})
}

// newConnection builds a peer connection with the callbacks wired.
// Called with the negotiator lock held.
func (n *Negotiator) newConnection(l *link) (*webrtc.PeerConnection, error) {
	ice := make([]webrtc.ICEServer, 0, len(n.conf.IceServers))
	for _, s := range n.conf.IceServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{s.Urls}, Username: s.Username, Credential: s.Credential})
	}
	policy := webrtc.ICETransportPolicyAll
	if n.relayOnly {
		policy = webrtc.ICETransportPolicyRelay
	}
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice, ICETransportPolicy: policy})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering, nothing to relay
		if c == nil {
			return
		}
		enc, err := Encode(c.ToJSON())
		if err != nil {
			n.log.Error().Err(err).Msg("Candidate encode")
			return
		}
		n.send(api.IceCandidate, api.Signal{To: l.peerId, Candidate: enc})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.log.Debug().Str("peer", l.peerId).Str(".state", state.String()).Msg("ICE")
		switch state {
		case webrtc.ICEConnectionStateChecking:
			go n.setState(l, LinkChecking)
		case webrtc.ICEConnectionStateConnected:
			go n.setState(l, LinkConnected)
		case webrtc.ICEConnectionStateFailed:
			go n.handleIceFailure(l)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != stateChannelLabel {
			return
		}
		go n.attachChannel(l, dc)
	})
	return pc, nil
}

// setState applies an ICE-driven transition. Failed and Unreachable are
// sticky: only an explicit redial (dial, HandleOffer) resets them, so a
// stale callback from a torn-down connection cannot mask a failure.
func (n *Negotiator) setState(l *link, s LinkState) {
	n.mu.Lock()
	if n.links[l.peerId] == l && l.state < LinkFailed {
		l.state = s
	}
	n.mu.Unlock()
	if s == LinkConnected {
		n.log.Info().Str("peer", l.peerId).Msg("Direct transport connected")
	}
}

// attachChannel wires the data channel callbacks and makes it the
// active state channel for the link.
func (n *Negotiator) attachChannel(l *link, dc *webrtc.DataChannel) {
	n.mu.Lock()
	if n.links[l.peerId] != l {
		n.mu.Unlock()
		go func() { _ = dc.Close() }()
		return
	}
	l.dc = dc
	n.mu.Unlock()

	dc.OnOpen(func() {
		n.log.Debug().Str("peer", l.peerId).Str("label", dc.Label()).Msg("Data channel open")
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 {
			return
		}
		if n.onState != nil {
			n.onState(l.peerId, m.Data, m.IsString)
		}
	})
	dc.OnError(func(err error) {
		n.log.Warn().Err(err).Str("peer", l.peerId).Msg("Data channel error")
		go n.handleChannelDown(l, dc)
	})
	dc.OnClose(func() { go n.handleChannelDown(l, dc) })
}

// handleChannelDown recreates a state channel that died while its peer
// connection is still viable. No renegotiation: a fresh SCTP stream
// opens over the existing transport.
func (n *Negotiator) handleChannelDown(l *link, dc *webrtc.DataChannel) {
	n.mu.Lock()
	if n.links[l.peerId] != l || l.dc != dc {
		n.mu.Unlock()
		return
	}
	l.dc = nil
	pc := l.pc
	offerer := l.offerer
	n.mu.Unlock()

	if pc == nil || pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}
	if !offerer {
		// the offerer recreates, this side gets the channel via OnDataChannel
		return
	}
	n.log.Warn().Str("peer", l.peerId).Msg("State channel lost, recreating")
	nd, err := pc.CreateDataChannel(stateChannelLabel, nil)
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Data channel recreate")
		return
	}
	n.attachChannel(l, nd)
}

// handleIceFailure degrades the whole session to relay-only transport,
// tears the failed connection down and redials after a backoff. The
// retry budget is bounded, after it the peer is reported unreachable.
func (n *Negotiator) handleIceFailure(l *link) {
	n.mu.Lock()
	if n.links[l.peerId] != l {
		n.mu.Unlock()
		return
	}
	n.relayOnly = true
	l.state = LinkFailed
	dc, pc := l.dc, l.pc
	l.dc, l.pc = nil, nil
	l.remoteSet = false
	l.pending = nil
	delay, ok := l.retry.Next()
	if !ok {
		l.state = LinkUnreachable
	}
	offerer := l.offerer
	n.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	if !ok {
		n.log.Warn().Str("peer", l.peerId).Msg("Peer unreachable via direct channel, staying on relay")
		if n.onUnreachable != nil {
			n.onUnreachable(l.peerId)
		}
		return
	}
	n.log.Warn().Str("peer", l.peerId).Dur("backoff", delay).Msg("ICE failed, will redial")
	time.AfterFunc(delay, func() {
		n.mu.Lock()
		alive := n.links[l.peerId] == l
		n.mu.Unlock()
		if !alive {
			return
		}
		if offerer {
			n.dial(l)
		}
		// the answerer waits for a fresh offer from the remote side
	})
}

// HandleOffer answers an inbound offer. A link may not exist yet when
// the offer outruns the peer-joined event, it is created on the spot and
// adopted by the roster update that follows.
func (n *Negotiator) HandleOffer(from string, sdp string) {
	if from == "" || sdp == "" {
		return
	}
	n.mu.Lock()
	if Offerer(n.selfId, from) {
		n.mu.Unlock()
		n.log.Warn().Str("peer", from).Msg("Unexpected offer from the answering side, ignored")
		return
	}
	l := n.links[from]
	if l == nil {
		l = &link{peerId: from, retry: NewRetry(n.conf.IceFailDelay, n.conf.IceFailAttempts)}
		n.links[from] = l
	}
	l.offerer = false
	if l.pc != nil {
		// a fresh offer supersedes the previous negotiation
		old := l.pc
		l.pc, l.dc, l.remoteSet, l.pending = nil, nil, false, nil
		go func() { _ = old.Close() }()
	}
	pc, err := n.newConnection(l)
	if err != nil {
		l.state = LinkFailed
		n.mu.Unlock()
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Peer connection create")
		return
	}
	l.pc = pc
	l.state = LinkNegotiating
	n.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := Decode(sdp, &offer); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Offer decode")
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Set remote offer")
		return
	}
	n.flushCandidates(l)

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Answer create")
		return
	}
	enc, err := Encode(answer)
	if err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Answer encode")
		return
	}
	n.log.Debug().Str("peer", from).Msg("Created answer")
	n.send(api.Answer, api.Signal{To: from, Answer: enc})
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (n *Negotiator) HandleAnswer(from string, sdp string) {
	n.mu.Lock()
	l := n.links[from]
	var pc *webrtc.PeerConnection
	if l != nil {
		pc = l.pc
	}
	n.mu.Unlock()
	if pc == nil {
		n.log.Warn().Str("peer", from).Msg("Answer without a negotiation, dropped")
		return
	}
	var answer webrtc.SessionDescription
	if err := Decode(sdp, &answer); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Answer decode")
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Set remote answer")
		return
	}
	n.flushCandidates(l)
}

// HandleCandidate applies a remote ICE candidate, or queues it when the
// remote description is not set yet.
func (n *Negotiator) HandleCandidate(from string, candidate string) {
	if candidate == "" {
		return
	}
	var init webrtc.ICECandidateInit
	if err := Decode(candidate, &init); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Candidate decode")
		return
	}
	n.mu.Lock()
	l := n.links[from]
	if l == nil {
		n.mu.Unlock()
		n.log.Warn().Str("peer", from).Msg("Candidate without a negotiation, dropped")
		return
	}
	if l.pc == nil || !l.remoteSet {
		l.pending = append(l.pending, init)
		n.mu.Unlock()
		return
	}
	pc := l.pc
	n.mu.Unlock()
	if err := pc.AddICECandidate(init); err != nil {
		n.log.Error().Err(&NegotiationError{PeerId: from, Err: err}).Msg("Add candidate")
	}
}

// flushCandidates marks the remote description applied and
// drains the queued candidates into the connection.
func (n *Negotiator) flushCandidates(l *link) {
	n.mu.Lock()
	l.remoteSet = true
	queued := l.pending
	l.pending = nil
	pc := l.pc
	n.mu.Unlock()
	if pc == nil {
		return
	}
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			n.log.Error().Err(&NegotiationError{PeerId: l.peerId, Err: err}).Msg("Add queued candidate")
		}
	}
}
