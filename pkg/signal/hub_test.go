package signal

import (
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/com"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
)

type testPeer struct {
	id     string
	client *com.Client
	in     chan api.In
}

func (p *testPeer) next(t *testing.T, want api.PT) api.In {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case packet := <-p.in:
			if packet.T == want {
				return packet
			}
		case <-deadline:
			t.Fatalf("no %v packet arrived", want)
		}
	}
}

func (p *testPeer) join(t *testing.T, roomId, name string) api.RoomJoinReply {
	t.Helper()
	raw, err := p.client.Call(api.JoinRoom, api.RoomJoinRequest{Rid: roomId, PlayerName: name, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	reply := api.Unwrap[api.RoomJoinReply](raw)
	require.NotNil(t, reply)
	require.NotEmpty(t, reply.Id)
	p.id = reply.Id
	return *reply
}

func newHub(t *testing.T) (*Hub, url.URL) {
	t.Helper()
	h := NewHub(config.Server{Address: "127.0.0.1:0", Origin: "*"}, logger.Default())
	ts := httptest.NewServer(h.server.Handler)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return h, *u
}

func connect(t *testing.T, addr url.URL) *testPeer {
	t.Helper()
	client, err := com.NewConnector().NewClient(addr, logger.Default())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	p := &testPeer{client: client, in: make(chan api.In, 32)}
	client.OnPacket(func(packet api.In) { p.in <- packet })
	client.Listen()
	return p
}

func TestHubJoinAndRoster(t *testing.T) {
	h, addr := newHub(t)

	a := connect(t, addr)
	reply := a.join(t, "room-1", "Alice")
	require.Empty(t, reply.Peers)
	require.Equal(t, "room-1", reply.Rid)
	require.Equal(t, 1, h.Rooms())

	b := connect(t, addr)
	replyB := b.join(t, "room-1", "Bob")
	require.Len(t, replyB.Peers, 1)
	require.Equal(t, a.id, replyB.Peers[0].Id)
	require.Equal(t, "Alice", replyB.Peers[0].Name)

	joined := a.next(t, api.PeerJoined)
	info := api.Unwrap[api.PeerInfo](joined.Payload)
	require.NotNil(t, info)
	require.Equal(t, b.id, info.Id)
	require.Equal(t, "Bob", info.Name)
	require.Equal(t, 1, h.Rooms())
}

func TestHubStateFanOut(t *testing.T) {
	_, addr := newHub(t)
	a, b := connect(t, addr), connect(t, addr)
	a.join(t, "room-1", "Alice")
	b.join(t, "room-1", "Bob")

	// the JSON route, the hub stamps the sender id
	b.client.Notify(api.PlayerUpdate, api.StateUpdate{Position: api.Vector3{X: 3}})
	got := a.next(t, api.PeerUpdate)
	u := api.Unwrap[api.StateUpdate](got.Payload)
	require.NotNil(t, u)
	require.Equal(t, b.id, u.PeerId)
	require.Equal(t, float32(3), u.Position.X)

	// the binary route passes through opaque
	bin, err := api.EncodeState(api.StateUpdate{PeerId: b.id, Position: api.Vector3{Z: 7}})
	require.NoError(t, err)
	b.client.Notify(api.PlayerUpdateBinary, base64.StdEncoding.EncodeToString(bin))
	raw := a.next(t, api.PeerUpdateBinary)
	b64 := api.Unwrap[string](raw.Payload)
	require.NotNil(t, b64)
	data, err := base64.StdEncoding.DecodeString(*b64)
	require.NoError(t, err)
	decoded, err := api.DecodeState(data)
	require.NoError(t, err)
	require.Equal(t, float32(7), decoded.Position.Z)
}

func TestHubHandshakeRouting(t *testing.T) {
	_, addr := newHub(t)
	a, b := connect(t, addr), connect(t, addr)
	a.join(t, "room-1", "Alice")
	b.join(t, "room-1", "Bob")

	a.client.Notify(api.Offer, api.Signal{To: b.id, Offer: "c2Rw"})
	got := b.next(t, api.Offer)
	sig := api.Unwrap[api.Signal](got.Payload)
	require.NotNil(t, sig)
	require.Equal(t, a.id, sig.From)
	require.Equal(t, "c2Rw", sig.Offer)

	b.client.Notify(api.Answer, api.Signal{To: a.id, Answer: "c2Rw"})
	got = a.next(t, api.Answer)
	sig = api.Unwrap[api.Signal](got.Payload)
	require.NotNil(t, sig)
	require.Equal(t, b.id, sig.From)

	// handshakes without an addressee go nowhere
	a.client.Notify(api.IceCandidate, api.Signal{Candidate: "x"})
}

func TestHubRaceStart(t *testing.T) {
	_, addr := newHub(t)
	a, b := connect(t, addr), connect(t, addr)
	a.join(t, "room-1", "Alice")
	b.join(t, "room-1", "Bob")

	a.client.Notify(api.StartRace, api.RaceStart{Rid: "room-1", Timestamp: 42})
	got := b.next(t, api.StartRace)
	race := api.Unwrap[api.RaceStart](got.Payload)
	require.NotNil(t, race)
	require.Equal(t, int64(42), race.Timestamp)
}

func TestHubLeaveAndDisconnect(t *testing.T) {
	h, addr := newHub(t)
	a, b := connect(t, addr), connect(t, addr)
	a.join(t, "room-1", "Alice")
	b.join(t, "room-1", "Bob")

	// an explicit leave tells the rest of the room
	b.client.Notify(api.LeaveRoom, api.RoomLeaveRequest{Rid: "room-1"})
	left := a.next(t, api.PeerLeft)
	require.Equal(t, b.id, api.PeerLeftId(left.Payload))

	// a dropped connection behaves like a leave
	c := connect(t, addr)
	c.join(t, "room-1", "Carol")
	a.next(t, api.PeerJoined)
	c.client.Close()
	left = a.next(t, api.PeerLeft)
	require.Equal(t, c.id, api.PeerLeftId(left.Payload))

	// empty rooms are garbage collected
	a.client.Notify(api.LeaveRoom, api.RoomLeaveRequest{Rid: "room-1"})
	require.Eventually(t, func() bool { return h.Rooms() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestHubRejoinPropagatesTransform(t *testing.T) {
	_, addr := newHub(t)
	a, b := connect(t, addr), connect(t, addr)
	a.join(t, "room-1", "Alice")
	b.join(t, "room-1", "Bob")

	// a rejoin with a cached transform re-seeds the others right away
	pos := api.Vector3{X: 1, Y: 2, Z: 3}
	raw, err := b.client.Call(api.JoinRoom, api.RoomJoinRequest{Rid: "room-1", PlayerName: "Bob", Position: &pos, Rotation: 0.5, Timestamp: 42})
	require.NoError(t, err)
	require.NotNil(t, api.Unwrap[api.RoomJoinReply](raw))

	got := a.next(t, api.PeerUpdate)
	u := api.Unwrap[api.StateUpdate](got.Payload)
	require.NotNil(t, u)
	require.Equal(t, pos, u.Position)
	require.Equal(t, float32(0.5), u.Rotation)
}
